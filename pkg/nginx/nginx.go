// Package nginx renders the configuration of the nginx front proxy of asmux and reloads nginx
// when it changes.
package nginx

import (
	"fmt"
	"strings"
)

// Settings are the tunables of the front proxy
type Settings struct {
	ListenPort        int
	WorkerProcesses   string
	WorkerConnections int
	// Upstream is the URL of the asmux HTTP server
	Upstream  string
	AccessLog string
}

const logFormat = `'$remote_addr - $remote_user [$time_local] "$request" $status $body_bytes_sent ' ` +
	`'"$http_referer" "$http_user_agent" rt=$request_time uct="$upstream_connect_time" ` +
	`uht="$upstream_header_time" urt="$upstream_response_time"'`

// Render returns the complete nginx.conf. /_matrix is proxied to the upstream, with websocket
// upgrades, and /null answers with a static null without buffering the request body.
func Render(s Settings) string {
	accessLog := "off"
	if s.AccessLog != "" {
		accessLog = s.AccessLog + " timed"
	}
	return strings.TrimLeft(fmt.Sprintf(`
worker_processes %s;

events {
	worker_connections %d;
}

http {
	log_format timed %s;
	access_log %s;

	map $http_upgrade $connection_upgrade {
		default upgrade;
		''      close;
	}

	server {
		listen %d;

		location /_matrix {
			proxy_pass %s;
			proxy_http_version 1.1;
			proxy_set_header Upgrade $http_upgrade;
			proxy_set_header Connection $connection_upgrade;
			proxy_set_header Host $host;
			proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
			proxy_set_header X-Forwarded-Proto $scheme;
			proxy_read_timeout 600s;
			client_max_body_size 100M;
		}

		location = /null {
			client_max_body_size 0;
			proxy_request_buffering off;
			return 200 "null";
		}
	}
}
`,
		s.WorkerProcesses,
		s.WorkerConnections,
		logFormat,
		accessLog,
		s.ListenPort,
		strings.TrimRight(s.Upstream, "/"),
	), "\n")
}

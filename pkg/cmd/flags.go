package cmd

import (
	"fmt"
	"net"
	"strconv"

	"github.com/beeper/asmux/pkg/config"
	"github.com/beeper/asmux/pkg/nginx"
	"github.com/urfave/cli/v2"
)

var configFlag *cli.StringFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Value:   "config.yaml",
	Usage:   "Path to the asmux config file",
}

var registrationFlag *cli.StringFlag = &cli.StringFlag{
	Name:    "registration",
	Aliases: []string{"r"},
	Value:   "registration.yaml",
	Usage:   "Path the appservice registration is written to",
}

var listenFlag *cli.StringFlag = &cli.StringFlag{
	Name:  "listen",
	Value: "",
	Usage: "Overrides mux.hostname and mux.port, format: host:port",
}

var outputFlag *cli.StringFlag = &cli.StringFlag{
	Name:    "output",
	Aliases: []string{"o"},
	Value:   "-",
	Usage:   "Where to write the rendered NGINX config, - means stdout",
}

func loadConfig(c *cli.Context, checkTokens bool) (*config.Config, error) {
	cfg, loadErr := config.Load(c.String(configFlag.Name))
	if loadErr != nil {
		return nil, loadErr
	}
	if overrideErr := overrideListenAddress(cfg, c.String(listenFlag.Name)); overrideErr != nil {
		return nil, overrideErr
	}
	if validateErr := cfg.Validate(checkTokens); validateErr != nil {
		return nil, validateErr
	}
	return cfg, nil
}

func overrideListenAddress(cfg *config.Config, listen string) error {
	if listen == "" {
		return nil
	}
	host, rawPort, splitErr := net.SplitHostPort(listen)
	if splitErr != nil {
		return fmt.Errorf("invalid --%s value %q: %w", listenFlag.Name, listen, splitErr)
	}
	port, portErr := strconv.Atoi(rawPort)
	if portErr != nil {
		return fmt.Errorf("invalid --%s port %q: %w", listenFlag.Name, rawPort, portErr)
	}
	cfg.Mux.Hostname = host
	cfg.Mux.Port = port
	return nil
}

func nginxSettings(cfg *config.Config) nginx.Settings {
	return nginx.Settings{
		ListenPort:        cfg.Nginx.ListenPort,
		WorkerProcesses:   cfg.Nginx.WorkerProcesses,
		WorkerConnections: cfg.Nginx.WorkerConnections,
		Upstream:          cfg.Nginx.Upstream,
		AccessLog:         cfg.Nginx.AccessLog,
	}
}

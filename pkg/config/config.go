// Package config loads, validates and saves asmux configuration files
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GeneratedTokenPlaceholder is the value of tokens in the example config, before a registration
// is generated
const GeneratedTokenPlaceholder = "This value is generated when generating the registration"

// Homeserver describes the homeserver asmux is registered with
type Homeserver struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// Namespace describes the part of the user and alias namespace reserved for bridges
type Namespace struct {
	Prefix    string `yaml:"prefix"`
	Exclusive bool   `yaml:"exclusive"`
}

// AppService is the registration of asmux itself on the homeserver
type AppService struct {
	Address        string    `yaml:"address"`
	ID             string    `yaml:"id"`
	BotUsername    string    `yaml:"bot_username"`
	BotDisplayname string    `yaml:"bot_displayname"`
	BotAvatar      string    `yaml:"bot_avatar"`
	ASToken        string    `yaml:"as_token"`
	HSToken        string    `yaml:"hs_token"`
	Namespace      Namespace `yaml:"namespace"`
}

// SyncProxy configures the sync proxy, that is started for bridges connected via websocket
type SyncProxy struct {
	URL          string `yaml:"url"`
	Token        string `yaml:"token"`
	AsmuxAddress string `yaml:"asmux_address"`
}

// Mux contains settings of the multiplexer itself
type Mux struct {
	Hostname                      string    `yaml:"hostname"`
	Port                          int       `yaml:"port"`
	Database                      string    `yaml:"database"`
	Redis                         string    `yaml:"redis"`
	SharedSecret                  string    `yaml:"shared_secret"`
	PublicAddress                 string    `yaml:"public_address"`
	LoginSharedSecret             string    `yaml:"login_shared_secret"`
	RemoteStatusEndpoint          string    `yaml:"remote_status_endpoint"`
	BridgeStatusEndpoint          string    `yaml:"bridge_status_endpoint"`
	MessageSendCheckpointEndpoint string    `yaml:"message_send_checkpoint_endpoint"`
	SyncProxy                     SyncProxy `yaml:"sync_proxy"`
}

// Nginx configures the front proxy config rendered by `asmux nginx-config`
type Nginx struct {
	ListenPort        int    `yaml:"listen_port"`
	WorkerProcesses   string `yaml:"worker_processes"`
	WorkerConnections int    `yaml:"worker_connections"`
	ConfPath          string `yaml:"conf_path"`
	Upstream          string `yaml:"upstream"`
	AccessLog         string `yaml:"access_log"`
}

// Metrics configures the prometheus metrics server
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Config is the root of the asmux config file
type Config struct {
	Homeserver Homeserver `yaml:"homeserver"`
	AppService AppService `yaml:"appservice"`
	Mux        Mux        `yaml:"mux"`
	Nginx      Nginx      `yaml:"nginx"`
	Metrics    Metrics    `yaml:"metrics"`
}

// Default returns a config with every default value filled in
func Default() *Config {
	return &Config{
		Homeserver: Homeserver{
			Address: "https://example.com",
			Domain:  "example.com",
		},
		AppService: AppService{
			Address:     "http://localhost:29326",
			ID:          "asmux",
			BotUsername: "asmux",
			ASToken:     GeneratedTokenPlaceholder,
			HSToken:     GeneratedTokenPlaceholder,
			Namespace: Namespace{
				Prefix:    "_",
				Exclusive: true,
			},
		},
		Mux: Mux{
			Hostname: "0.0.0.0",
			Port:     29326,
			Database: "bolt://asmux.db",
		},
		Nginx: Nginx{
			ListenPort:        5000,
			WorkerProcesses:   "auto",
			WorkerConnections: 1024,
			Upstream:          "http://127.0.0.1:29326",
			AccessLog:         "/dev/stdout",
		},
		Metrics: Metrics{
			Listen: "0.0.0.0:8090",
		},
	}
}

// Load reads the config file at path, filling unset values with defaults
func Load(path string) (*Config, error) {
	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		return nil, fmt.Errorf("failed to read config file: %w", readErr)
	}
	return Parse(raw)
}

// Parse decodes a YAML config on top of the defaults
func Parse(raw []byte) (*Config, error) {
	cfg := Default()
	if unmarshalErr := yaml.Unmarshal(raw, cfg); unmarshalErr != nil {
		return nil, fmt.Errorf("failed to parse config: %w", unmarshalErr)
	}
	return cfg, nil
}

// Save writes the config to path
func (c *Config) Save(path string) error {
	raw, marshalErr := yaml.Marshal(c)
	if marshalErr != nil {
		return fmt.Errorf("failed to encode config: %w", marshalErr)
	}
	return os.WriteFile(path, raw, 0600)
}

// ForbiddenDefaultError is returned by Validate when a value that must be changed was not
type ForbiddenDefaultError struct {
	Key     string
	Value   string
	Message string
}

func (e ForbiddenDefaultError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s must be changed from the default value %q: %s", e.Key, e.Value, e.Message)
	}
	return fmt.Sprintf("%s must be changed from the default value %q", e.Key, e.Value)
}

// Validate checks that values which must not stay at their defaults were changed. Token checks
// are skipped with checkTokens=false, which is used when generating the registration.
func (c *Config) Validate(checkTokens bool) error {
	if c.Homeserver.Domain == "example.com" {
		return ForbiddenDefaultError{Key: "homeserver.domain", Value: "example.com"}
	}
	if checkTokens {
		tokenHint := "Did you forget to generate the registration?"
		if c.AppService.ASToken == GeneratedTokenPlaceholder {
			return ForbiddenDefaultError{Key: "appservice.as_token", Value: GeneratedTokenPlaceholder, Message: tokenHint}
		}
		if c.AppService.HSToken == GeneratedTokenPlaceholder {
			return ForbiddenDefaultError{Key: "appservice.hs_token", Value: GeneratedTokenPlaceholder, Message: tokenHint}
		}
	}
	if c.Mux.Port <= 0 || c.Mux.Port > 65535 {
		return fmt.Errorf("mux.port %d is not a valid port", c.Mux.Port)
	}
	if c.Mux.Database == "" {
		return errors.New("mux.database must be set")
	}
	return nil
}

// MXIDPrefix is the part of bridge user IDs before the owner
func (c *Config) MXIDPrefix() string {
	return "@" + c.AppService.Namespace.Prefix
}

// MXIDSuffix is the server name part of bridge user IDs
func (c *Config) MXIDSuffix() string {
	return ":" + c.Homeserver.Domain
}

// ListenAddress is the address the asmux HTTP server binds to
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Mux.Hostname, c.Mux.Port)
}

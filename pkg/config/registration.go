package config

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NamespaceEntry is a single regex entry of a registration namespace
type NamespaceEntry struct {
	Regex     string `yaml:"regex"`
	Exclusive bool   `yaml:"exclusive"`
}

// Namespaces lists the user and alias namespaces asmux claims
type Namespaces struct {
	Users   []NamespaceEntry `yaml:"users"`
	Aliases []NamespaceEntry `yaml:"aliases"`
}

// Registration is the appservice registration file given to the homeserver
type Registration struct {
	ID              string     `yaml:"id"`
	ASToken         string     `yaml:"as_token"`
	HSToken         string     `yaml:"hs_token"`
	Namespaces      Namespaces `yaml:"namespaces"`
	URL             string     `yaml:"url"`
	SenderLocalpart string     `yaml:"sender_localpart"`
	RateLimited     bool       `yaml:"rate_limited"`
}

// Save writes the registration to path
func (r Registration) Save(path string) error {
	raw, marshalErr := yaml.Marshal(r)
	if marshalErr != nil {
		return fmt.Errorf("failed to encode registration: %w", marshalErr)
	}
	return os.WriteFile(path, raw, 0600)
}

// GenerateRegistration creates fresh appservice tokens, stores them in the config and
// returns the matching registration
func (c *Config) GenerateRegistration() (Registration, error) {
	asToken, asErr := newToken()
	if asErr != nil {
		return Registration{}, asErr
	}
	hsToken, hsErr := newToken()
	if hsErr != nil {
		return Registration{}, hsErr
	}
	c.AppService.ASToken = asToken
	c.AppService.HSToken = hsToken

	prefix := regexp.QuoteMeta(c.AppService.Namespace.Prefix)
	serverName := regexp.QuoteMeta(c.Homeserver.Domain)
	exclusive := c.AppService.Namespace.Exclusive
	return Registration{
		ID:      c.AppService.ID,
		ASToken: asToken,
		HSToken: hsToken,
		Namespaces: Namespaces{
			Users: []NamespaceEntry{{
				Regex:     fmt.Sprintf("@%s.+:%s", prefix, serverName),
				Exclusive: exclusive,
			}},
			Aliases: []NamespaceEntry{{
				Regex:     fmt.Sprintf("#%s.+:%s", prefix, serverName),
				Exclusive: exclusive,
			}},
		},
		URL:             c.AppService.Address,
		SenderLocalpart: c.AppService.BotUsername,
		RateLimited:     false,
	}, nil
}

func newToken() (string, error) {
	token := make([]byte, 64)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range token {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate token: %w", err)
		}
		token[i] = tokenAlphabet[n.Int64()]
	}
	return string(token), nil
}

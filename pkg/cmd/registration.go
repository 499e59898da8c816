package cmd

import (
	"fmt"

	"github.com/beeper/asmux/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var generateRegistrationCommand *cli.Command = &cli.Command{
	Name:  "generate-registration",
	Usage: "Generates appservice tokens, saves them in the config and writes the registration file",
	Flags: []cli.Flag{
		configFlag,
		registrationFlag,
	},
	Action: func(c *cli.Context) error {
		configPath := c.String(configFlag.Name)
		cfg, cfgErr := loadConfig(c, false)
		if cfgErr != nil {
			return cfgErr
		}
		return generateRegistration(cfg, configPath, c.String(registrationFlag.Name))
	},
}

func generateRegistration(cfg *config.Config, configPath, registrationPath string) error {
	registration, generateErr := cfg.GenerateRegistration()
	if generateErr != nil {
		return generateErr
	}
	if saveErr := registration.Save(registrationPath); saveErr != nil {
		return saveErr
	}
	if saveErr := cfg.Save(configPath); saveErr != nil {
		return fmt.Errorf("registration was written, but the config could not be updated: %w", saveErr)
	}
	logrus.Infof("Registration written to %s, tokens saved to %s", registrationPath, configPath)
	return nil
}

package cmd

import (
	"fmt"
	"io"

	"github.com/beeper/asmux/pkg/config"
	"github.com/beeper/asmux/pkg/nginx"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
)

var nginxConfigCommand *cli.Command = &cli.Command{
	Name:  "nginx-config",
	Usage: "Renders the config of the NGINX front proxy",
	Flags: []cli.Flag{
		configFlag,
		outputFlag,
	},
	Action: func(c *cli.Context) error {
		cfg, cfgErr := loadConfig(c, false)
		if cfgErr != nil {
			return cfgErr
		}
		return renderNginxConfig(cfg, afero.NewOsFs(), c.String(outputFlag.Name), c.App.Writer)
	},
}

func renderNginxConfig(cfg *config.Config, fs afero.Fs, output string, stdout io.Writer) error {
	if output == "-" {
		_, err := fmt.Fprint(stdout, nginx.Render(nginxSettings(cfg)))
		return err
	}
	_, err := nginx.NewWriter(fs, output, nil).Write(nginxSettings(cfg))
	return err
}

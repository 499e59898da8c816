package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/beeper/asmux/pkg/config"
	"github.com/beeper/asmux/pkg/nginx"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

var serveCommand *cli.Command = &cli.Command{
	Name:  "serve",
	Usage: "Runs the multiplexer",
	Flags: []cli.Flag{
		configFlag,
		listenFlag,
	},
	Action: func(c *cli.Context) (err error) {
		cfg, cfgErr := loadConfig(c, true)
		if cfgErr != nil {
			return cfgErr
		}
		startPrometheusServer(c, cfg.Metrics)
		writeNginxConfig(cfg)

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, stackErr := newStack(ctx, cfg)
		if stackErr != nil {
			return stackErr
		}
		defer func() {
			err = multierr.Append(err, s.close())
		}()
		return s.run(ctx)
	},
}

// writeNginxConfig updates the front proxy config and reloads nginx in the background, so
// that a slowly starting nginx does not hold up the multiplexer
func writeNginxConfig(cfg *config.Config) {
	if cfg.Nginx.ConfPath == "" {
		return
	}
	writer := nginx.NewWriter(afero.NewOsFs(), cfg.Nginx.ConfPath, nginx.NewDefaultReloader())
	go func() {
		if _, writeErr := writer.Write(nginxSettings(cfg)); writeErr != nil {
			logrus.Errorf("Failed to write NGINX config: %v", writeErr)
		}
	}()
}

package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func setLogLevel(c *cli.Context) error {
	if c.Bool("log-json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	switch {
	case c.IsSet("trace"):
		logrus.SetLevel(logrus.TraceLevel)
	case c.IsSet("debug"):
		logrus.SetLevel(logrus.DebugLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}
	logrus.Debugf("Log level set to %s", logrus.GetLevel())
	return nil
}

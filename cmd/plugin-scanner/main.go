// Command plugin-scanner probes plugin candidates in isolated worker processes
// and keeps the results in a persistent registry cache.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

const defaultCache = "~/.cache/plugin-scanner/registry.db"

var logLevel string

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "plugin-scanner"
	app.HelpName = "plugin-scanner"
	app.Usage = "probe plugin candidates without loading them into this process"
	app.HideVersion = true

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: `set log level, available options:
	(trace|debug|info|warn|error|fatal)`,
			EnvVar:      "PLUGIN_SCANNER_LOG_LEVEL",
			Destination: &logLevel,
		},
	}
	app.Before = func(c *cli.Context) error {
		return setupLogging(logLevel)
	}

	app.Commands = []cli.Command{
		scanCommand(),
		listCommand(),
		workerCommand(),
	}
	return app
}

func setupLogging(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

func cacheFlag() cli.Flag {
	return cli.StringFlag{
		Name:   "cache",
		Value:  defaultCache,
		Usage:  "registry cache file",
		EnvVar: "PLUGIN_SCANNER_CACHE",
	}
}

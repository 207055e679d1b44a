package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/snowmerak/pluginscan/lib/plugin"
	"github.com/snowmerak/pluginscan/lib/probe"
)

// workerCommand is what the scan command re-invokes this binary as.
func workerCommand() cli.Command {
	return cli.Command{
		Name:      "worker",
		Usage:     "serve probe requests from a scanning host",
		ArgsUsage: "<endpoint>",
		Hidden:    true,
		Action:    runWorker,
	}
}

func runWorker(c *cli.Context) error {
	address := c.Args().First()
	if address == "" {
		return cli.NewExitError("worker needs the host endpoint address", 2)
	}

	module, err := plugin.NewModule(&plugin.ModuleOptions{
		Loader: probe.GoPluginLoader{},
		Logger: logrus.WithField("pid", os.Getpid()),
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return module.Serve(ctx, address)
}

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/treble-h/txsched/config"
	"github.com/treble-h/txsched/core"
	"github.com/urfave/cli"
)

type CMD struct {
	configName string
	configDir  string
}

func (cmd *CMD) runNode() error {
	conf, err := config.LoadConfig("txsched", cmd.configName, cmd.configDir)
	if err != nil {
		return err
	}

	node, err := core.NewNode(conf)
	if err != nil {
		return err
	}

	if err = node.StartListen(); err != nil {
		return err
	}
	if err = node.StartMetricsListen(); err != nil {
		return err
	}
	go node.Serve()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return node.Shutdown(ctx)
}

func (cmd *CMD) Run() {
	app := &cli.App{
		Name:  "txsched",
		Usage: "schedule and execute signed transaction batches",
	}
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:        "config, c",
			Usage:       "config file `NAME` without extension",
			Value:       "config",
			Destination: &cmd.configName,
		},
		cli.StringFlag{
			Name:        "config-dir, d",
			Usage:       "`DIR` to look for the config file in",
			Value:       ".",
			Destination: &cmd.configDir,
		},
	}
	app.Action = func(c *cli.Context) error {
		return cmd.runNode()
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func main() {
	cmd := new(CMD)
	cmd.Run()
}

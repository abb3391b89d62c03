package main

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/urfave/cli/v2"
	"k8s.io/klog/v2"
)

var gitCommitSHA = ""

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-interrupt:
			klog.Info("received interrupt signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(interrupt)
	}()

	app := &cli.App{
		Name:        "nescli",
		Version:     gitCommitSHA,
		Usage:       "operate a nescore event storage directly from the command line",
		Description: "nescli writes, reads, indexes, and inspects a nescore storage directory for manual operation and as a runnable demo of every storage operation.",
		Commands: []*cli.Command{
			newCmdWrite(),
			newCmdRead(),
			newCmdRange(),
			newCmdIndex(),
			newCmdTruncate(),
			newCmdStat(),
			newCmdDemo(),
		},
	}

	sort.Sort(cli.CommandsByName(app.Commands))

	if err := app.RunContext(ctx, os.Args); err != nil {
		klog.Fatal(err)
	}
}

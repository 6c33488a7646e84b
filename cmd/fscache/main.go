package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML configuration file",
		EnvVars: []string{"FSCACHE_CONFIG"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Value: "INFO",
		Usage: "DEBUG, INFO, WARN or ERROR",
	}
	logFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Value: "text",
		Usage: "text or json",
	}
	policyFlag = &cli.StringFlag{
		Name:  "cache-policy",
		Usage: "in-memory policy: wholefile, mmap, bytes, readahead, firstlast or none",
	}
	blockSizeFlag = &cli.StringFlag{
		Name:  "block-size",
		Usage: "fetch granularity, e.g. 5MB",
	}
	cacheDirFlag = &cli.StringFlag{
		Name:  "cache-dir",
		Usage: "enable the persistent cache in this directory",
	}
	cacheAllFlag = &cli.BoolFlag{
		Name:  "cache-all",
		Usage: "route every read through the persistent cache, not only filecache:: URLs",
	}
	endpointFlag = &cli.StringFlag{
		Name:  "s3-endpoint",
		Usage: "S3-compatible endpoint; implies path-style addressing",
	}
	regionFlag = &cli.StringFlag{
		Name:  "s3-region",
		Usage: "S3 region",
	}
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "fscache",
		Usage: "read and write remote objects through local caches",
		Flags: []cli.Flag{
			configFlag,
			logLevelFlag,
			logFormatFlag,
			policyFlag,
			blockSizeFlag,
			cacheDirFlag,
			cacheAllFlag,
			endpointFlag,
			regionFlag,
		},
		Commands: []*cli.Command{
			catCommand,
			statCommand,
			putCommand,
			rmCommand,
			clearCacheCommand,
			serveMetricsCommand,
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fscache:", err)
		stop()
		os.Exit(1)
	}
}

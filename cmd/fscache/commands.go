package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/objectfs/fscache/internal/filesystem"
	"github.com/objectfs/fscache/pkg/errors"
	"github.com/objectfs/fscache/pkg/types"
)

var metricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Usage: "serve Prometheus metrics on this address while the command runs",
}

var catCommand = &cli.Command{
	Name:      "cat",
	Usage:     "write an object, or byte ranges of it, to stdout",
	ArgsUsage: "URL",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "range",
			Aliases: []string{"r"},
			Usage:   "OFFSET:LENGTH to read; repeatable",
		},
		metricsAddrFlag,
	},
	Action: run("cat", func(cCtx *cli.Context, e *env) (int64, error) {
		url, err := urlArg(cCtx)
		if err != nil {
			return 0, err
		}

		var chunks [][]byte
		if specs := cCtx.StringSlice("range"); len(specs) > 0 {
			ranges, err := parseRanges(specs)
			if err != nil {
				return 0, err
			}
			chunks, err = e.fs.ReadRanges(cCtx.Context, url, ranges)
			if err != nil {
				return 0, err
			}
		} else {
			data, err := e.fs.Cat(cCtx.Context, url)
			if err != nil {
				return 0, err
			}
			chunks = [][]byte{data}
		}

		var n int64
		for _, c := range chunks {
			w, err := cCtx.App.Writer.Write(c)
			n += int64(w)
			if err != nil {
				return n, err
			}
		}
		return n, nil
	}),
}

var statCommand = &cli.Command{
	Name:      "stat",
	Usage:     "print object metadata as JSON",
	ArgsUsage: "URL",
	Action: run("stat", func(cCtx *cli.Context, e *env) (int64, error) {
		url, err := urlArg(cCtx)
		if err != nil {
			return 0, err
		}
		info, err := e.fs.Info(cCtx.Context, url)
		if err != nil {
			return 0, err
		}
		enc := json.NewEncoder(cCtx.App.Writer)
		enc.SetIndent("", "  ")
		return 0, enc.Encode(info)
	}),
}

var putCommand = &cli.Command{
	Name:      "put",
	Usage:     "upload stdin, or a local file, to URL",
	ArgsUsage: "URL",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "from",
			Usage: "local file to upload instead of stdin",
		},
		metricsAddrFlag,
	},
	Action: run("put", func(cCtx *cli.Context, e *env) (int64, error) {
		url, err := urlArg(cCtx)
		if err != nil {
			return 0, err
		}
		src := cCtx.App.Reader
		if path := cCtx.String("from"); path != "" {
			f, err := os.Open(path)
			if err != nil {
				return 0, err
			}
			defer f.Close()
			src = f
		}
		n, err := e.fs.Put(cCtx.Context, url, src)
		if err != nil {
			return n, err
		}
		e.logger.Info("uploaded", "url", url, "bytes", n)
		return n, nil
	}),
}

var rmCommand = &cli.Command{
	Name:      "rm",
	Usage:     "delete an object and its cached copy",
	ArgsUsage: "URL",
	Action: run("rm", func(cCtx *cli.Context, e *env) (int64, error) {
		url, err := urlArg(cCtx)
		if err != nil {
			return 0, err
		}
		return 0, e.fs.Delete(cCtx.Context, url)
	}),
}

var clearCacheCommand = &cli.Command{
	Name:  "clear-cache",
	Usage: "drop cached copies",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "scope",
			Value: "all",
			Usage: "memory, persistent or all",
		},
	},
	Action: run("clear-cache", func(cCtx *cli.Context, e *env) (int64, error) {
		scope, err := filesystem.ParseScope(cCtx.String("scope"))
		if err != nil {
			return 0, err
		}
		if scope&filesystem.ScopePersistent != 0 && e.store == nil {
			e.logger.Warn("persistent cache is not enabled")
		}
		return 0, e.fs.ClearCache(scope)
	}),
}

var serveMetricsCommand = &cli.Command{
	Name:  "serve-metrics",
	Usage: "serve Prometheus metrics and debug endpoints until interrupted",
	Flags: []cli.Flag{metricsAddrFlag},
	Action: run("serve-metrics", func(cCtx *cli.Context, e *env) (int64, error) {
		if e.collector.Addr() == "" {
			if err := e.collector.Start(cCtx.Context); err != nil {
				return 0, err
			}
			defer stopCollector(e)
		}
		fmt.Fprintf(cCtx.App.Writer, "serving metrics on http://%s/metrics\n", e.collector.Addr())
		<-cCtx.Context.Done()
		return 0, nil
	}),
}

// run wraps a command body with environment setup, the metrics server when
// an address is configured, and operation accounting.
func run(name string, body func(*cli.Context, *env) (int64, error)) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		e, err := newEnv(cCtx)
		if err != nil {
			return err
		}
		defer e.close()

		if e.cfg.Global.MetricsAddr != "" {
			if err := e.collector.Start(cCtx.Context); err != nil {
				return err
			}
			defer stopCollector(e)
		}

		start := time.Now()
		n, err := body(cCtx, e)
		e.collector.RecordOperation(name, time.Since(start), n, err)
		if err != nil {
			e.logger.Debug("command failed", "command", name, "error", err)
		}
		return err
	}
}

func stopCollector(e *env) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.collector.Stop(ctx); err != nil {
		e.logger.Warn("failed to stop metrics server", "error", err)
	}
}

func urlArg(cCtx *cli.Context) (string, error) {
	if cCtx.NArg() != 1 {
		return "", errors.Newf(errors.ErrCodeInvalidConfig, "%s takes exactly one URL", cCtx.Command.Name)
	}
	return cCtx.Args().First(), nil
}

// parseRanges parses OFFSET:LENGTH pairs.
func parseRanges(specs []string) ([]types.ByteRange, error) {
	out := make([]types.ByteRange, 0, len(specs))
	for _, spec := range specs {
		off, length, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, errors.Newf(errors.ErrCodeInvalidConfig, "range %q is not OFFSET:LENGTH", spec)
		}
		o, err := strconv.ParseInt(off, 10, 64)
		if err != nil || o < 0 {
			return nil, errors.Newf(errors.ErrCodeOutOfRange, "range %q: bad offset", spec)
		}
		l, err := strconv.ParseInt(length, 10, 64)
		if err != nil || l < 0 {
			return nil, errors.Newf(errors.ErrCodeOutOfRange, "range %q: bad length", spec)
		}
		out = append(out, types.ByteRange{Offset: o, Length: l})
	}
	return out, nil
}

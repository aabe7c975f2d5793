package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	construct "github.com/matrix-construct/construct-sub013"
	"github.com/matrix-construct/construct-sub013/conf"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := pflag.NewFlagSet("construct", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "construct.toml", "configuration file")
	dbPath := fs.StringP("db", "d", "", "database directory, overrides db.path")
	origin := fs.String("origin", "", "server name, overrides origin")
	level := fs.StringP("log-level", "l", "", "debug, info, warn, error or critical")
	metrics := fs.String("metrics", "", "serve prometheus metrics on this address")
	snapshot := fs.String("bootstrap", "", "feed a snapshot file, then exit")
	commands := fs.StringArrayP("exec", "e", nil, "run a console command, then exit; repeatable")
	printConfig := fs.Bool("print-config", false, "print the effective configuration and exit")
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := conf.Load(*configPath)
	if err != nil {
		return err
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}
	if *origin != "" {
		cfg.Origin = *origin
	}
	if *level != "" {
		cfg.Log.Level = *level
	}
	if *metrics != "" {
		cfg.Metrics.Listen = *metrics
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *printConfig {
		return cfg.Encode(os.Stdout)
	}

	opts, lvl, err := construct.OptionsFromConfig(cfg, os.Stderr)
	if err != nil {
		return err
	}
	hs, err := construct.Open(cfg.DB.Path, opts)
	if err != nil {
		return err
	}
	defer hs.Close()
	rt := cfg.Runtime()
	hs.Bind(rt, lvl)

	// the console handles Ctrl-C itself
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	if cfg.Metrics.Listen != "" {
		srv := serveMetrics(cfg.Metrics.Listen, hs)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if *snapshot != "" || len(*commands) > 0 {
		var istop context.CancelFunc
		ctx, istop = signal.NotifyContext(ctx, os.Interrupt)
		defer istop()
	}
	if *snapshot != "" {
		stats, err := hs.Bootstrap(ctx, *snapshot)
		_, _ = fmt.Fprintln(os.Stdout, stats.String())
		return err
	}

	repl := &REPL{Host: hs, Runtime: rt, Out: os.Stdout}
	if len(*commands) > 0 {
		for _, line := range *commands {
			if err := repl.Exec(ctx, line); err != nil && !errors.Is(err, io.EOF) {
				return err
			}
		}
		return nil
	}
	if err := repl.Open(".construct_history"); err != nil {
		return err
	}
	defer repl.Close()
	return repl.Run(ctx)
}

func serveMetrics(addr string, hs *construct.Homeserver) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(hs.Metrics()...)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.Logger().Error("metrics server", "addr", addr, "err", err)
		}
	}()
	return srv
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"lazyd/internal/blobstore"
	"lazyd/internal/config"
	"lazyd/internal/httpapi"
	"lazyd/internal/lifecycle"
	"lazyd/internal/registry"
)

const shutdownTimeout = 5 * time.Second

type serveOptions struct {
	configPath     string
	addr           string
	modulesDir     string
	moduleExts     string
	corsOrigins    string
	resolveTimeout time.Duration
	maxBodyBytes   int64
}

func newServeCmd() *cobra.Command {
	opts := serveOptions{addr: ":8080"}
	if v := os.Getenv("LAZYD_ADDR"); v != "" {
		opts.addr = v
	}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Register modules from a directory and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := stderrLogger(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cmd, opts, log)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Config file (.yaml, .json or .toml)")
	f.StringVar(&opts.addr, "addr", opts.addr, "HTTP listen address, e.g. :8080")
	f.StringVar(&opts.modulesDir, "modules-dir", "", "Directory to scan for module files")
	f.StringVar(&opts.moduleExts, "module-exts", "", "Comma-separated module file extensions (default: all files)")
	f.StringVar(&opts.corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins (empty disables CORS)")
	f.DurationVar(&opts.resolveTimeout, "resolve-timeout", 0, "Upper bound for HTTP resolve waits (0 = no bound)")
	f.Int64Var(&opts.maxBodyBytes, "max-body-bytes", 1<<20, "Maximum JSON request body size")
	return cmd
}

// mergeFile fills options the command line left unset from the config file.
func (o *serveOptions) mergeFile(cmd *cobra.Command, fc config.FileConfig) {
	flags := cmd.Flags()
	if fc.Addr != "" && !flags.Changed("addr") {
		o.addr = fc.Addr
	}
	if fc.ModulesDir != "" && !flags.Changed("modules-dir") {
		o.modulesDir = fc.ModulesDir
	}
	if len(fc.ModuleExts) > 0 && !flags.Changed("module-exts") {
		o.moduleExts = strings.Join(fc.ModuleExts, ",")
	}
}

func logRejected(log zerolog.Logger, source string, res map[string]error) {
	keys := make([]string, 0, len(res))
	for k := range res {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if res[k] != nil {
			log.Warn().Str("source", source).Str("key", k).Err(res[k]).Msg("config event=rejected")
		}
	}
}

func serve(ctx context.Context, cmd *cobra.Command, opts serveOptions, log zerolog.Logger) error {
	var fc config.FileConfig
	if opts.configPath != "" {
		var err error
		if fc, err = config.Load(opts.configPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		opts.mergeFile(cmd, fc)
	}
	if fc.LogLevel != "" && !cmd.Flags().Changed("log-level") {
		if lvl, err := zerolog.ParseLevel(fc.LogLevel); err == nil {
			log = log.Level(lvl)
		}
	}

	store, err := blobstore.Open(ctx, fc.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("store event=close_failed")
		}
	}()

	cfg := config.New(config.Options{Store: store, Logger: log})
	logRejected(log, string(config.SourceFile), cfg.ApplyFile(fc))
	logRejected(log, string(config.SourceEnvironment), cfg.ApplyEnv())

	svc, err := lifecycle.New(lifecycle.Options{Config: cfg, Store: store, Logger: log})
	if err != nil {
		return fmt.Errorf("failed to build service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			log.Warn().Err(err).Msg("lifecycle event=close_failed")
		}
	}()

	if opts.modulesDir != "" {
		mods, err := registry.LoadDir(opts.modulesDir, splitCSV(opts.moduleExts)...)
		if err != nil {
			return fmt.Errorf("failed to scan modules: %w", err)
		}
		for _, m := range mods {
			if _, err := svc.RegisterDescriptor(m, registry.FileLoader(m)); err != nil {
				log.Warn().Str("module", m.Name).Err(err).Msg("registry event=register_failed")
			}
		}
		log.Info().Int("modules", len(mods)).Str("dir", opts.modulesDir).Msg("registry event=scanned")
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetBaseContext(ctx)
	httpapi.Configure(httpapi.Options{
		MaxBodyBytes:   opts.maxBodyBytes,
		ResolveTimeout: opts.resolveTimeout,
		CORSOrigins:    splitCSV(opts.corsOrigins),
	})

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", opts.addr).Msg("http event=listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err, ok := <-errc:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("http event=shutdown")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http event=shutdown_failed")
	}
	return nil
}

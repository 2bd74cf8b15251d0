package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geopush/geopush/internal/osmapi"
	"github.com/geopush/geopush/internal/osmapi/osmapitest"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

const defaultAddr = "127.0.0.1:3000"

type serverConfig struct {
	Addr        string
	CertFile    string
	KeyFile     string
	MaxElements int
	MaxWayNodes int
	Status      string
	ReadOnly    bool
	Rate        string
	RequestLog  bool
}

func (c *serverConfig) options() []osmapitest.Option {
	opts := []osmapitest.Option{
		osmapitest.WithLimits(c.MaxElements, c.MaxWayNodes),
		osmapitest.WithStatus(c.Status),
	}
	if c.ReadOnly {
		opts = append(opts, osmapitest.WithPermissions("allow_read_prefs"))
	}
	if c.Rate != "" {
		opts = append(opts, osmapitest.WithRateLimit(c.Rate))
	}
	if c.RequestLog {
		opts = append(opts, osmapitest.WithRequestLog())
	}
	return opts
}

func main() {
	// Setup logger
	handler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	slog.SetDefault(slog.New(handler))

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := &serverConfig{}
	rootCmd := &cobra.Command{
		Use:   "devapi",
		Short: "In-memory map API for local geopush runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			defer slog.Info("Bye!")
			return serve(cmd.Context(), cfg)
		},
	}

	rootCmd.Flags().StringVarP(&cfg.Addr, "bind", "b", defaultAddr, "Address to bind the server")
	rootCmd.Flags().StringVarP(&cfg.CertFile, "cert", "c", "", "Path to the certificate file")
	rootCmd.Flags().StringVarP(&cfg.KeyFile, "key", "k", "", "Path to the key file")
	rootCmd.Flags().IntVar(&cfg.MaxElements, "max-elements", 10000, "Advertised changeset element limit")
	rootCmd.Flags().IntVar(&cfg.MaxWayNodes, "max-way-nodes", 2000, "Advertised way node limit")
	rootCmd.Flags().StringVar(&cfg.Status, "status", osmapi.StatusOnline, "Advertised api status: online, readonly or offline")
	rootCmd.Flags().BoolVar(&cfg.ReadOnly, "read-only", false, "Withhold the write permission")
	rootCmd.Flags().StringVar(&cfg.Rate, "rate", "", "Answer 429 above this rate, e.g. 20-S")
	rootCmd.Flags().BoolVar(&cfg.RequestLog, "request-log", true, "Log every request")

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *serverConfig) error {
	api := osmapitest.New(cfg.options()...)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.CertFile != "" && cfg.KeyFile != "" {
			slog.Info("devapi start tls", "addr", cfg.Addr, "cert", cfg.CertFile, "key", cfg.KeyFile)
			err = server.ListenAndServeTLS(cfg.CertFile, cfg.KeyFile)
		} else {
			slog.Info("devapi start http", "addr", cfg.Addr)
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("devapi start", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	slog.Info("devapi stopped", "changesets", len(api.Changesets()))
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/cartograph/internal/server"
	"github.com/yairfalse/cartograph/internal/telemetry"
)

var (
	serveListen    string
	serveNoBrowser bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Browse the inventory over HTTP",
	Long: `Serve the inventory over HTTP.

Endpoints:
  GET /                     inventory browser
  GET /api/query            resources; ?services=&regions=&tag=&exclude_tag= filter
  GET /api/identify/{ip}    resources holding an IP
  GET /api/stats            counts by service and region
  GET /healthz              liveness
  GET /metrics              Prometheus metrics, including inventory gauges`,
	Example: `  cartograph serve
  cartograph serve --listen 0.0.0.0:9000 --no-browser`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address to listen on (default 127.0.0.1:8080)")
	serveCmd.Flags().BoolVar(&serveNoBrowser, "no-browser", false, "Do not open a web browser")
}

func runServe(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().Changed("listen") {
		cfg.Serve.Listen = serveListen
	}
	if serveNoBrowser {
		cfg.Serve.OpenBrowser = false
	}

	ctx := cmd.Context()
	provider, stopTelemetry, err := startTelemetry(ctx)
	if err != nil {
		return err
	}
	defer stopTelemetry()

	store, err := openStore(true)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	gauges, err := server.RegisterInventoryGauges(provider.Meter(), store)
	if err != nil {
		return err
	}
	defer func() { _ = gauges.Unregister() }()

	ln, err := net.Listen("tcp", cfg.Serve.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Serve.Listen, err)
	}

	srv := &http.Server{
		Handler: server.New(store, server.Options{
			Logger:  telemetry.NewLogger("server"),
			Metrics: provider.Handler(),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	url := "http://" + ln.Addr().String()

	var g run.Group
	g.Add(func() error {
		log.Info().Str("url", url).Str("inventory", store.Path()).Msg("serving inventory")
		return srv.Serve(ln)
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	})
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	if cfg.Serve.OpenBrowser {
		go func() {
			if err := openBrowser(url); err != nil {
				log.Warn().Err(err).Str("url", url).Msg("could not open browser")
			}
		}()
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Serving inventory at %s\n", url)
	}

	err = g.Run()
	var sig run.SignalError
	if errors.As(err, &sig) || errors.Is(err, http.ErrServerClosed) {
		log.Info().Msg("server stopped")
		return nil
	}
	return err
}

// openBrowser opens url with the platform's default handler.
func openBrowser(url string) error {
	var name string
	var args []string
	switch runtime.GOOS {
	case "darwin":
		name = "open"
	case "windows":
		name, args = "rundll32", []string{"url.dll,FileProtocolHandler"}
	default:
		name = "xdg-open"
	}
	return exec.Command(name, append(args, url)...).Start()
}

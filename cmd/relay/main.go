package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/cdp-relay/cmd/config"
	"github.com/onkernel/cdp-relay/lib/logger"
	"github.com/onkernel/cdp-relay/lib/relay"
)

const (
	exitBindFailure = 2
	exitConfigError = 3
)

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(exitConfigError)
	}
	slogger.Info("relay configuration", "host", cfg.Host, "port", cfg.Port, "token_set", cfg.RelayToken != "")

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rly, err := relay.New(relay.Config{
		Token:                cfg.RelayToken,
		ExtensionIDs:         cfg.ExtensionIDs,
		PingInterval:         time.Duration(cfg.PingIntervalMS) * time.Millisecond,
		CommandTimeout:       time.Duration(cfg.CommandTimeoutMS) * time.Millisecond,
		LongCommandTimeout:   time.Duration(cfg.LongCommandTimeoutMS) * time.Millisecond,
		HandshakeTimeout:     time.Duration(cfg.HandshakeTimeoutMS) * time.Millisecond,
		MaxClientQueueBytes:  cfg.MaxClientQueueBytes,
		MaxClientQueueFrames: cfg.MaxClientQueueFrames,
		LogTraffic:           cfg.LogCDPMessages,
	}, slogger)
	if err != nil {
		slogger.Error("invalid relay configuration", "err", err)
		os.Exit(exitConfigError)
	}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				ctxWithLogger := logger.AddToContext(req.Context(), slogger)
				next.ServeHTTP(w, req.WithContext(ctxWithLogger))
			})
		},
	)
	r.Mount("/", rly.Handler())

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		slogger.Error("failed to bind", "addr", addr, "err", err)
		os.Exit(exitBindFailure)
	}

	srv := &http.Server{Handler: r}

	go func() {
		slogger.Info("cdp relay listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	// graceful shutdown
	<-ctx.Done()
	slogger.Info("shutdown signal received")

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rly.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return srv.Shutdown(context.Background())
	})
	if err := g.Wait(); err != nil {
		slogger.Error("relay failed to shut down cleanly", "err", err)
	}
}

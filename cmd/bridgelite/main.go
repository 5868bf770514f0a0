// Command bridgelite runs the websocket relay bridging browser clients to
// Gemini Live sessions, with tool calls dispatched to a per-user MCP
// backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wavelink-ai/bridgelite/pkg/gateway/config"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/feedback"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/handlers"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/server"
	"github.com/wavelink-ai/bridgelite/pkg/gateway/token"
)

type bridgeDeps struct {
	loadConfig   func() (config.Config, error)
	newServer    func(server.Options) *server.Server
	openFeedback func(ctx context.Context, dsn string) (handlers.FeedbackStore, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultBridgeDeps() bridgeDeps {
	return bridgeDeps{
		loadConfig: config.LoadFromEnv,
		newServer:  server.New,
		openFeedback: func(ctx context.Context, dsn string) (handlers.FeedbackStore, func(), error) {
			store, err := feedback.Open(ctx, dsn)
			if err != nil {
				return nil, nil, err
			}
			return store, store.Close, nil
		},
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// buildHTTPServer leaves ReadTimeout and WriteTimeout unset: /ws
// connections are long-lived, and deadlines set by net/http persist on the
// hijacked connection.
func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func buildDecoder(cfg config.Config) (*token.Decoder, error) {
	if cfg.SkipValidityCheck {
		return nil, nil
	}
	loc, err := time.LoadLocation(cfg.SessionTimezone)
	if err != nil {
		return nil, fmt.Errorf("load session timezone %q: %w", cfg.SessionTimezone, err)
	}
	return token.NewDecoder([]byte(cfg.SessionAESKey), []byte(cfg.SessionAESIV), loc)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runBridge(ctx context.Context, stderr io.Writer, deps bridgeDeps) error {
	if deps.loadConfig == nil || deps.newServer == nil || deps.openFeedback == nil {
		return errors.New("missing dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	decoder, err := buildDecoder(cfg)
	if err != nil {
		return err
	}

	var store handlers.FeedbackStore
	if cfg.FeedbackDSN != "" {
		s, closeStore, err := deps.openFeedback(ctx, cfg.FeedbackDSN)
		if err != nil {
			return fmt.Errorf("open feedback store: %w", err)
		}
		defer closeStore()
		store = s
	}

	srv := deps.newServer(server.Options{
		Config:   cfg,
		Logger:   logger,
		Decoder:  decoder,
		Feedback: store,
	})
	httpSrv := buildHTTPServer(cfg, srv.Handler())

	logger.Info("starting bridge",
		"addr", cfg.Addr,
		"model", cfg.Model,
		"skip_validity_check", cfg.SkipValidityCheck,
		"feedback_enabled", store != nil)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	srv.SetDraining()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer waitCancel()
	if !srv.WaitRelays(waitCtx) {
		srv.CancelRelays()
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("bridge stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps bridgeDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(stderr, "bridgelite: load .env: %v\n", err)
			return 1
		}
	}

	if err := runBridge(ctx, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "bridgelite: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultBridgeDeps()))
}

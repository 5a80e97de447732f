// Package main runs an event producer on an embedded store.
//
// A message is appended to the "messages-producer" stream every interval,
// and a catch-up consumer logs every message from the start of the log.
//
// Run with: go run ./cmd/producer
// Select the backend with ESDB_BACKEND=memory|sqlite|nats.
//
// Prometheus metrics available at: http://localhost:2121/metrics
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	promadapter "github.com/codewandler/esdb-go/adapters/prometheus"
	"github.com/codewandler/esdb-go/core/es"
	"github.com/codewandler/esdb-go/internal/config"
)

type (
	Config struct {
		Backend  config.Backend
		Stream   string        `env:"PRODUCER_STREAM" envDefault:"messages-producer"`
		Interval time.Duration `env:"PRODUCER_INTERVAL" envDefault:"500ms"`
		PromAddr string        `env:"PRODUCER_PROM_ADDR" envDefault:":2121"`
		Debug    bool          `env:"PRODUCER_DEBUG"`
	}

	// Message is the payload appended by the producer.
	Message struct {
		Seq  int       `json:"seq"`
		Text string    `json:"text"`
		At   time.Time `json:"at"`
	}
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	if err := run(ctx, log, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("producer failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg Config) error {
	metrics := promadapter.NewESMetrics(prometheus.DefaultRegisterer)

	promMux := http.NewServeMux()
	promMux.Handle("/metrics", promhttp.Handler())
	promServer := &http.Server{Addr: cfg.PromAddr, Handler: promMux}
	go func() {
		log.Info("prometheus metrics server starting", slog.String("addr", cfg.PromAddr))
		if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("prometheus server error", slog.Any("error", err))
		}
	}()
	defer promServer.Shutdown(context.Background())

	backend, err := cfg.Backend.Open(ctx, log)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	env, err := es.NewEnv(
		es.WithCtx(ctx),
		es.WithLog(log),
		es.WithMetrics(metrics),
		es.WithBackend(backend),
		es.WithEvent[Message](),
		es.WithConsumer(
			es.Handle(logMessage),
			es.WithConsumerName("message-logger"),
			es.WithConsumerTarget(es.StreamTarget(cfg.Stream)),
		),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.Shutdown(); err != nil {
			log.Error("shutdown failed", slog.Any("error", err))
		}
	}()

	v, _ := env.Store().StreamVersion(cfg.Stream)
	seq := int(v) + 1

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			msg := Message{Seq: seq, Text: fmt.Sprintf("message #%d", seq), At: time.Now().UTC()}
			res, err := env.Append(ctx, cfg.Stream, es.ExpectAny, msg)
			if err != nil {
				return fmt.Errorf("append: %w", err)
			}
			log.Debug("appended", slog.Int("seq", seq), slog.Uint64("position", res.LastPosition))
			seq++
		}
	}
}

func logMessage(m es.MsgCtx) error {
	msg, ok := m.Event().(*Message)
	if !ok {
		m.Log().Warn("unexpected event")
		return nil
	}
	m.Log().Info(
		"message",
		slog.Int("seq", msg.Seq),
		slog.String("text", msg.Text),
		slog.Bool("live", m.Live()),
		slog.Duration("age", time.Since(msg.At)),
	)
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	promadapter "github.com/codewandler/esdb-go/adapters/prometheus"
	"github.com/codewandler/esdb-go/core/es"
	"github.com/codewandler/esdb-go/internal/config"
)

// === Config ===

// NOTE: run nats: docker run --net=host nats:latest -js

type Config struct {
	Backend config.Backend

	Aggregates int    `env:"N" envDefault:"1000"`
	Events     int    `env:"B" envDefault:"50"`
	Workers    int    `env:"WORKERS" envDefault:"8"`
	PromAddr   string `env:"LOADTEST_PROM_ADDR"`
	Debug      bool   `env:"LOADTEST_DEBUG"`
}

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

	if err := run(ctx, log, cfg); err != nil {
		log.Error("loadtest failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, log *slog.Logger, cfg Config) error {
	reg := prometheus.NewRegistry()
	metrics := promadapter.NewESMetrics(reg)

	if cfg.PromAddr != "" {
		promMux := http.NewServeMux()
		promMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		promServer := &http.Server{Addr: cfg.PromAddr, Handler: promMux}
		go func() {
			if err := promServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("prometheus server error", slog.Any("error", err))
			}
		}()
		defer promServer.Shutdown(context.Background())
	}

	fmt.Printf("Backend:    %s\n", cfg.Backend.Kind)
	fmt.Printf("Aggregates: %d\n", cfg.Aggregates)
	fmt.Printf("Events:     %d per aggregate\n", cfg.Events)
	fmt.Printf("Workers:    %d\n", cfg.Workers)

	// === write ===

	env, err := openEnv(ctx, log, cfg, metrics)
	if err != nil {
		return err
	}
	repo := es.TypedRepositoryOf[*User](env)

	var (
		startAt = time.Now()
		written atomic.Int64
		runID   = startAt.Format("150405")
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i := range cfg.Aggregates {
		id := fmt.Sprintf("%s-%d", runID, i)
		g.Go(func() error {
			u, err := repo.Create(gctx, id)
			if err != nil {
				return err
			}
			for j := range cfg.Events {
				if err := u.ChangeEmail(fmt.Sprintf("user-%d@host-%d.com", i, j)); err != nil {
					return err
				}
				if err := repo.Save(gctx, u); err != nil {
					return err
				}
			}
			if n := written.Add(1); n%100 == 0 {
				mu := getMemUsage()
				fmt.Printf(" | %6d aggregates | %8.0f events/s | (%d / %d) MiB mem (sys) |\n",
					n, float64(n*int64(cfg.Events+1))/time.Since(startAt).Seconds(), mu.Alloc/1024/1024, mu.Sys/1024/1024)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = env.Shutdown()
		return err
	}

	took := time.Since(startAt)
	total := cfg.Aggregates * (cfg.Events + 1)
	position := env.Store().LastPosition()
	if err := env.Shutdown(); err != nil {
		return err
	}

	// === verify ===

	if cfg.Backend.Kind == config.BackendMemory || cfg.Backend.Kind == "" {
		report(took, total, position, 0)
		return nil
	}

	reopenAt := time.Now()
	env, err = openEnv(ctx, log, cfg, metrics)
	if err != nil {
		return err
	}
	defer func() { _ = env.Shutdown() }()
	replay := time.Since(reopenAt)

	if got := env.Store().LastPosition(); got != position {
		return fmt.Errorf("replayed position %d, wrote %d", got, position)
	}
	repo = es.TypedRepositoryOf[*User](env)
	for i := range cfg.Aggregates {
		u, err := repo.GetByID(ctx, fmt.Sprintf("%s-%d", runID, i))
		if err != nil {
			return err
		}
		if u.GetVersion() != int64(cfg.Events) {
			return fmt.Errorf("aggregate %s at version %d, want %d", u.GetID(), u.GetVersion(), cfg.Events)
		}
	}

	report(took, total, position, replay)
	return nil
}

func openEnv(ctx context.Context, log *slog.Logger, cfg Config, metrics es.ESMetrics) (*es.Env, error) {
	backend, err := cfg.Backend.Open(ctx, log)
	if err != nil {
		return nil, err
	}
	env, err := es.NewEnv(
		es.WithCtx(ctx),
		es.WithLog(log),
		es.WithMetrics(metrics),
		es.WithBackend(backend),
		es.WithAggregates(new(User)),
	)
	if err != nil {
		return nil, err
	}
	return env, nil
}

func report(took time.Duration, events int, position uint64, replay time.Duration) {
	runtime.GC()
	println("")
	println("==========================================")
	fmt.Printf("total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("       events: %d\n", events)
	fmt.Printf("     position: %d\n", position)
	fmt.Printf("avg. writes/s: %d\n", int(float64(events)/took.Seconds()))
	if replay > 0 {
		fmt.Printf("       replay: %.3f seconds\n", replay.Seconds())
	}
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

// === Domain ===

type (
	User struct {
		es.BaseAggregate

		Name  string
		Email string
	}

	NameChanged  struct{ NewName string }
	EmailChanged struct{ NewEmail string }
)

func (u *User) Apply(e any) error {
	switch evt := e.(type) {
	case *NameChanged:
		u.Name = evt.NewName
		return nil
	case *EmailChanged:
		u.Email = evt.NewEmail
		return nil
	}
	return u.BaseAggregate.Apply(e)
}

func (u *User) ChangeName(name string) error {
	if name == "" {
		return fmt.Errorf("name is empty")
	}
	return es.RaiseAndApply(u, &NameChanged{NewName: name})
}

func (u *User) ChangeEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email is empty")
	}
	return es.RaiseAndApply(u, &EmailChanged{NewEmail: email})
}

func (u *User) GetAggType() string { return "user" }

func (u *User) Register(r es.Registrar) {
	es.RegisterEvents(
		r,
		es.Event[NameChanged](),
		es.Event[EmailChanged](),
	)
}

var _ es.Aggregate = (*User)(nil)

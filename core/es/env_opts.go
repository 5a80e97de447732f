package es

import (
	"context"
	"log/slog"
)

type (
	envOptions struct {
		ctx        context.Context
		log        *slog.Logger
		storeOpts  []StoreOption
		repoOpts   []RepositoryOption
		events     []EventRegisterOption
		aggregates []Aggregate
		consumers  []EnvConsumerOption
		metrics    ESMetrics
	}

	EnvOption interface {
		applyToEnv(*envOptions)
	}
)

func newEnvOptions(opts ...EnvOption) envOptions {
	options := envOptions{
		ctx:     context.Background(),
		metrics: NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToEnv(&options)
	}
	return options
}

// === options ===

type (
	EnvConsumerOption struct {
		handler      Handler
		consumerOpts []ConsumerOption
	}
	EnvRepositoryOption MultiOption[RepositoryOption]
)

// WithConsumer starts a consumer for handler when the env starts.
func WithConsumer(handler Handler, opts ...ConsumerOption) EnvConsumerOption {
	return EnvConsumerOption{
		handler:      handler,
		consumerOpts: opts,
	}
}

// WithRepositoryOpts configures the env's repository.
func WithRepositoryOpts(opts ...RepositoryOption) EnvRepositoryOption {
	return EnvRepositoryOption{opts: opts}
}

func (o EnvConsumerOption) applyToEnv(options *envOptions) {
	options.consumers = append(options.consumers, o)
}

func (o EnvRepositoryOption) applyToEnv(options *envOptions) {
	options.repoOpts = append(options.repoOpts, o.opts...)
}

package es

import (
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

type (
	consumerOpts struct {
		target          Target
		mws             []HandlerMiddleware
		log             *slog.Logger
		name            string
		metrics         ESMetrics
		shutdownTimeout time.Duration
		subOpts         []SubscribeOption
	}

	ConsumerOption interface {
		applyToConsumerOpts(*consumerOpts)
	}

	ConsumerNameOption   valueOption[string]
	ConsumerTargetOption valueOption[Target]
	MiddlewareOption     valueOption[[]HandlerMiddleware]
	ConsumerOptions      MultiOption[ConsumerOption]
)

func (o ConsumerNameOption) applyToConsumerOpts(opts *consumerOpts)   { opts.name = o.v }
func (o ConsumerTargetOption) applyToConsumerOpts(opts *consumerOpts) { opts.target = o.v }
func (o MiddlewareOption) applyToConsumerOpts(opts *consumerOpts) {
	opts.mws = append(opts.mws, o.v...)
}
func (o LogOption) applyToConsumerOpts(opts *consumerOpts) { opts.log = o.l }
func (o ConsumerOptions) applyToConsumerOpts(opts *consumerOpts) {
	for _, opt := range o.opts {
		opt.applyToConsumerOpts(opts)
	}
}
func (o CpStoreOption) applyToConsumerOpts(opts *consumerOpts) {
	opts.mws = append([]HandlerMiddleware{NewCheckpointMiddleware(o.v)}, opts.mws...)
}
func (o MaxQueueOption) applyToConsumerOpts(opts *consumerOpts) {
	opts.subOpts = append(opts.subOpts, o)
}

func WithMiddlewares(mws ...HandlerMiddleware) MiddlewareOption {
	return MiddlewareOption{v: mws}
}
func WithConsumerOpts(opts ...ConsumerOption) ConsumerOptions { return ConsumerOptions{opts: opts} }
func WithConsumerName(name string) ConsumerNameOption         { return ConsumerNameOption{name} }

// WithConsumerTarget restricts the consumer to one stream, category or
// event type. The default is AllTarget.
func WithConsumerTarget(t Target) ConsumerTargetOption { return ConsumerTargetOption{t} }

func newConsumerOpts(opts ...ConsumerOption) consumerOpts {
	options := consumerOpts{
		target:          AllTarget(),
		log:             slog.Default(),
		name:            fmt.Sprintf("consumer-%s", gonanoid.Must(6)),
		metrics:         NopESMetrics(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt.applyToConsumerOpts(&options)
	}
	return options
}

package es

import (
	"log/slog"

	"github.com/google/uuid"
)

// IDGenerator is a function that generates unique IDs for events.
type IDGenerator func() string

// DefaultIDGenerator returns random UUIDs.
func DefaultIDGenerator() IDGenerator { return uuid.NewString }

type (
	repoOpts struct {
		log         *slog.Logger
		names       StreamNameBuilder
		pageSize    int
		idGenerator IDGenerator
		metrics     ESMetrics
	}

	repoLoadOptions struct {
		maxVersion int
		maxSet     bool
	}

	repoWithTransactionOpts struct {
		create   bool
		loadOpts []LoadOption
	}
)

type (
	RepositoryOption      interface{ applyToRepository(*repoOpts) }
	LoadOption            interface{ applyToLoadOptions(*repoLoadOptions) }
	WithTransactionOption interface {
		applyToWithTransactionOptions(*repoWithTransactionOpts)
	}

	StreamNamesOption     valueOption[StreamNameBuilder]
	RepoIDGeneratorOption valueOption[IDGenerator]
	MaxVersionOption      valueOption[int]
	RepoCreateOption      valueOption[bool]
	LoadOptsOption        MultiOption[LoadOption]
)

// WithStreamNames sets how aggregate stream names are derived.
func WithStreamNames(b StreamNameBuilder) StreamNamesOption { return StreamNamesOption{v: b} }

// WithIDGenerator sets a custom ID generator for event IDs.
func WithIDGenerator(gen IDGenerator) RepoIDGeneratorOption {
	return RepoIDGeneratorOption{v: gen}
}

// WithMaxVersion loads an aggregate from its first n events.
func WithMaxVersion(n int) MaxVersionOption { return MaxVersionOption{v: n} }

// WithCreate makes WithTransaction create missing aggregates.
func WithCreate() RepoCreateOption                  { return RepoCreateOption{v: true} }
func WithLoadOpts(opts ...LoadOption) LoadOptsOption { return LoadOptsOption{opts: opts} }

// === repo ==

func (o StreamNamesOption) applyToRepository(options *repoOpts)     { options.names = o.v }
func (o RepoIDGeneratorOption) applyToRepository(options *repoOpts) { options.idGenerator = o.v }
func (o ReadPageSizeOption) applyToRepository(options *repoOpts)    { options.pageSize = o.v }
func (o LogOption) applyToRepository(options *repoOpts)             { options.log = o.l }

func newRepoOpts(opts ...RepositoryOption) repoOpts {
	var options = repoOpts{
		log:         slog.Default(),
		names:       NewStreamNameBuilder(""),
		pageSize:    defaultReadPageSize,
		idGenerator: DefaultIDGenerator(),
		metrics:     NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToRepository(&options)
	}
	if options.pageSize <= 0 {
		options.pageSize = defaultReadPageSize
	}
	return options
}

// === load ==

func (o MaxVersionOption) applyToLoadOptions(options *repoLoadOptions) {
	options.maxVersion = o.v
	options.maxSet = true
}
func (o LoadOptsOption) applyToLoadOptions(options *repoLoadOptions) {
	for _, opt := range o.opts {
		opt.applyToLoadOptions(options)
	}
}

func newLoadOptions(opts ...LoadOption) repoLoadOptions {
	options := repoLoadOptions{}
	for _, opt := range opts {
		opt.applyToLoadOptions(&options)
	}
	return options
}

// === withTransaction ==

func (o RepoCreateOption) applyToWithTransactionOptions(options *repoWithTransactionOpts) {
	options.create = o.v
}
func (o LoadOptsOption) applyToWithTransactionOptions(options *repoWithTransactionOpts) {
	options.loadOpts = append(options.loadOpts, o.opts...)
}

func newWithTransactionOptions(opts ...WithTransactionOption) repoWithTransactionOpts {
	options := repoWithTransactionOpts{}
	for _, opt := range opts {
		opt.applyToWithTransactionOptions(&options)
	}
	return options
}

// Package nats persists the event log in a NATS JetStream stream and keeps
// consumer checkpoints in a JetStream key-value bucket.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/esdb-go/core/es"
	"github.com/codewandler/esdb-go/internal/codec"
)

const (
	defaultSubject    = "esdb.log"
	defaultStreamName = "ESDB_LOG"
	defaultPageSize   = 256
	defaultFetchSize  = 100
	// headerReserve is kept free of every message's payload for headers.
	headerReserve = 4 << 10

	HeaderKind        = "Esdb-Kind"
	HeaderBatch       = "Esdb-Batch"
	HeaderPage        = "Esdb-Page"
	HeaderPages       = "Esdb-Pages"
	HeaderStream      = "Esdb-Stream"
	HeaderPosition    = "Esdb-Position"
	HeaderContentType = "Content-Type"
)

var (
	ErrReplayStalled = errors.New("replay stalled")
	// ErrUnconfirmedCommit is returned once the stream holds a commit that
	// was never acknowledged to this backend. Reopen the store to replay it.
	ErrUnconfirmedCommit = errors.New("unconfirmed commit in log")
)

type BackendConfig struct {
	Connect    Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log        *slog.Logger // Log for diagnostics (optional)
	StreamName string       // StreamName of the JetStream stream holding the log.
	Subject    string       // Subject every entry is published on.
	PageSize   int          // PageSize is the maximum number of events per message.
	PageBytes  int64        // PageBytes caps the encoded size of a page. Defaults to the server's max payload.
	FetchSize  int          // FetchSize is the number of messages fetched per replay request.
	Codec      codec.Codec  // Codec of the event pages, JSON by default.
	Storage    jetstream.StorageType
}

// Backend writes every commit as one or more messages. An append of more
// than PageSize events, or of more than PageBytes encoded, is split into
// pages that share a batch ID; replay only yields batches whose pages are
// all present.
type Backend struct {
	nc        *natsgo.Conn
	closeNc   closeFunc
	js        jetstream.JetStream
	stream    jetstream.Stream
	log       *slog.Logger
	subject   string
	pageSize  int
	pageBytes int64
	fetchSize int
	codec     codec.Codec

	mu      sync.Mutex
	lastSeq uint64
	resync  bool
	failed  error
}

var _ es.Backend = (*Backend)(nil)

func NewBackend(ctx context.Context, cfg BackendConfig) (*Backend, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectDefault()
	}

	nc, closeNatsCon, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cfg.StreamName)
	if streamName == "" {
		streamName = defaultStreamName
	}

	subject := cfg.Subject
	if subject == "" {
		subject = defaultSubject
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	pageBytes := nc.MaxPayload() - headerReserve
	if cfg.PageBytes > 0 && cfg.PageBytes < pageBytes {
		pageBytes = cfg.PageBytes
	}
	fetchSize := cfg.FetchSize
	if fetchSize <= 0 {
		fetchSize = defaultFetchSize
	}

	c := cfg.Codec
	if c == nil {
		c = codec.JSONCodec{}
	}

	log = log.With(
		slog.String("backend", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject", subject),
	)

	log.Debug("ensuring stream")

	stream, streamInfo, err := ensureStream(ctx, js, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: jetstream.LimitsPolicy,
		Storage:   cfg.Storage,
		MaxBytes:  -1,
		MaxMsgs:   -1,
		FirstSeq:  1,
	})
	if err != nil {
		closeNatsCon()
		return nil, err
	}

	log.Debug("ensured", slog.Uint64("last_seq", streamInfo.State.LastSeq), slog.Uint64("msgs", streamInfo.State.Msgs))

	return &Backend{
		nc:        nc,
		closeNc:   closeNatsCon,
		js:        js,
		stream:    stream,
		log:       log,
		subject:   subject,
		pageSize:  pageSize,
		pageBytes: pageBytes,
		fetchSize: fetchSize,
		codec:     c,
		lastSeq:   streamInfo.State.LastSeq,
	}, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg jetstream.StreamConfig) (s jetstream.Stream, si *jetstream.StreamInfo, err error) {
	ctx, cancel := context.WithTimeout(ctx, 10*natsgo.DefaultTimeout)
	defer cancel()

	s, err = js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	si, err = s.Info(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, si, nil
}

// Commit publishes e. Every message expects the stream's last sequence to
// be the one this backend wrote last, so a second writer on the same
// stream fails instead of interleaving.
//
// After a failed publish the next Commit checks what reached the stream.
// Pages of unfinished batches are skipped by replay and adopted. A finished
// batch or delete means a commit the store believes failed is durable, and
// every further Commit returns ErrUnconfirmedCommit.
func (b *Backend) Commit(ctx context.Context, e es.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failed != nil {
		return b.failed
	}
	if b.resync {
		if err := b.resyncLocked(ctx); err != nil {
			return err
		}
	}

	msgs, err := b.messages(e)
	if err != nil {
		return err
	}

	for _, msg := range msgs {
		ack, err := b.js.PublishMsg(ctx, msg, jetstream.WithExpectLastSequence(b.lastSeq))
		if err != nil {
			b.resync = true
			return fmt.Errorf("failed to publish %s page %s/%s: %w",
				e.Kind, msg.Header.Get(HeaderPage), msg.Header.Get(HeaderPages), err)
		}
		b.lastSeq = ack.Sequence
	}
	return nil
}

func (b *Backend) resyncLocked(ctx context.Context) error {
	si, err := b.stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to resync stream: %w", err)
	}

	for seq := b.lastSeq + 1; seq <= si.State.LastSeq; seq++ {
		msg, err := b.stream.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to resync stream: %w", err)
		}
		if msg.Subject != b.subject || !completesEntry(msg.Header) {
			continue
		}

		b.failed = fmt.Errorf("%w: seq %d, last acknowledged %d", ErrUnconfirmedCommit, seq, b.lastSeq)
		b.log.Error(
			"log advanced past last acknowledged write",
			slog.Uint64("seq", seq),
			slog.Uint64("last_seq", b.lastSeq),
			slog.String("batch", msg.Header.Get(HeaderBatch)),
		)
		return b.failed
	}

	b.lastSeq = si.State.LastSeq
	b.resync = false
	return nil
}

// completesEntry reports whether a message with header h makes replay yield
// an entry.
func completesEntry(h natsgo.Header) bool {
	switch h.Get(HeaderKind) {
	case es.EntryDelete.String():
		return true
	case es.EntryAppend.String():
		page, err := strconv.Atoi(h.Get(HeaderPage))
		if err != nil {
			return false
		}
		pages, err := strconv.Atoi(h.Get(HeaderPages))
		return err == nil && page+1 == pages
	}
	return false
}

func (b *Backend) messages(e es.Entry) ([]*natsgo.Msg, error) {
	batch := gonanoid.Must()

	if e.Kind == es.EntryDelete {
		msg := natsgo.NewMsg(b.subject)
		msg.Header.Set(HeaderKind, e.Kind.String())
		msg.Header.Set(HeaderBatch, batch)
		msg.Header.Set(HeaderStream, e.Stream)
		msg.Header.Set(HeaderPosition, strconv.FormatUint(e.Position, 10))
		return []*natsgo.Msg{msg}, nil
	}
	if e.Kind != es.EntryAppend {
		return nil, fmt.Errorf("unknown entry kind %s", e.Kind)
	}

	pages, err := b.paginate(e.Events)
	if err != nil {
		return nil, err
	}

	msgs := make([]*natsgo.Msg, 0, len(pages))
	for i, p := range pages {
		msg := natsgo.NewMsg(b.subject)
		msg.Header.Set(HeaderKind, e.Kind.String())
		msg.Header.Set(HeaderBatch, batch)
		msg.Header.Set(HeaderPage, strconv.Itoa(i))
		msg.Header.Set(HeaderPages, strconv.Itoa(len(pages)))
		msg.Header.Set(HeaderStream, e.Stream)
		msg.Header.Set(HeaderPosition, strconv.FormatUint(p.last, 10))
		msg.Header.Set(HeaderContentType, b.codec.ContentType())
		msg.Data = p.data
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

type page struct {
	data []byte
	last uint64
}

// paginate encodes events into pages of at most pageSize events and
// pageBytes bytes. A page over the byte limit is halved until it fits.
func (b *Backend) paginate(events []es.RecordedEvent) ([]page, error) {
	var out []page
	for len(events) > 0 {
		n := min(b.pageSize, len(events))
		for {
			data, err := b.codec.Marshal(events[:n])
			if err != nil {
				return nil, fmt.Errorf("failed to encode page %d: %w", len(out), err)
			}
			if int64(len(data)) <= b.pageBytes {
				out = append(out, page{data: data, last: events[n-1].Position})
				events = events[n:]
				break
			}
			if n == 1 {
				return nil, fmt.Errorf("event %s is %d bytes encoded, max %d", events[0].EventID, len(data), b.pageBytes)
			}
			n /= 2
		}
	}
	return out, nil
}

// pendingBatch collects the pages of an append.
type pendingBatch struct {
	id     string
	pages  int
	next   int
	stream string
	events []es.RecordedEvent
}

// Replay reads the stream with an ordered consumer. Batches that are not
// followed by all their pages belong to commits that failed and are
// skipped.
func (b *Backend) Replay(ctx context.Context, fn func(es.Entry) error) error {
	si, err := b.stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	endSeq := si.State.LastSeq
	if si.State.Msgs == 0 {
		return nil
	}

	cc, err := b.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		FilterSubjects: []string{b.subject},
	})
	if err != nil {
		return err
	}

	var (
		pending   *pendingBatch
		seq       uint64
		discarded int
	)
	discard := func(reason string) {
		if pending == nil {
			return
		}
		discarded++
		b.log.Warn(
			"discarding incomplete batch",
			slog.String("batch", pending.id),
			slog.String("stream", pending.stream),
			slog.Int("pages", pending.pages),
			slog.Int("received", pending.next),
			slog.String("reason", reason),
		)
		pending = nil
	}

	for seq < endSeq {
		if err := ctx.Err(); err != nil {
			return err
		}

		mb, err := cc.Fetch(b.fetchSize, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return err
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			md, err := msg.Metadata()
			if err != nil {
				return err
			}
			seq = md.Sequence.Stream

			if err := b.replayMsg(msg, &pending, discard, fn); err != nil {
				return fmt.Errorf("seq %d: %w", seq, err)
			}
			if seq >= endSeq {
				break
			}
		}
		if mb.Error() != nil {
			return mb.Error()
		}
		if empty && seq < endSeq {
			return fmt.Errorf("%w at seq %d of %d", ErrReplayStalled, seq, endSeq)
		}
	}
	discard("end of log")

	b.log.Debug("replayed", slog.Uint64("last_seq", endSeq), slog.Int("discarded", discarded))
	return nil
}

func (b *Backend) replayMsg(
	msg jetstream.Msg,
	pendingPtr **pendingBatch,
	discard func(reason string),
	fn func(es.Entry) error,
) error {
	h := msg.Headers()
	pending := *pendingPtr

	switch kind := h.Get(HeaderKind); kind {
	case es.EntryDelete.String():
		discard("delete follows")
		pos, err := strconv.ParseUint(h.Get(HeaderPosition), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid position header: %w", err)
		}
		return fn(es.Entry{Kind: es.EntryDelete, Stream: h.Get(HeaderStream), Position: pos})

	case es.EntryAppend.String():
		batch := h.Get(HeaderBatch)
		page, err := strconv.Atoi(h.Get(HeaderPage))
		if err != nil {
			return fmt.Errorf("invalid page header: %w", err)
		}
		pages, err := strconv.Atoi(h.Get(HeaderPages))
		if err != nil {
			return fmt.Errorf("invalid pages header: %w", err)
		}

		if pending != nil && pending.id != batch {
			discard("next batch started")
			pending = nil
		}
		if pending == nil {
			if page != 0 {
				// tail of a batch that was already discarded
				return nil
			}
			pending = &pendingBatch{id: batch, pages: pages, stream: h.Get(HeaderStream)}
		}
		if page != pending.next {
			return fmt.Errorf("batch %s: page %d out of order, expected %d", batch, page, pending.next)
		}

		var events []es.RecordedEvent
		if err := b.codec.Unmarshal(msg.Data(), &events); err != nil {
			return fmt.Errorf("failed to decode page: %w", err)
		}
		pending.events = append(pending.events, events...)
		pending.next++

		if pending.next < pending.pages {
			*pendingPtr = pending
			return nil
		}
		*pendingPtr = nil
		if len(pending.events) == 0 {
			return nil
		}
		return fn(es.Entry{
			Kind:     es.EntryAppend,
			Stream:   pending.stream,
			Events:   pending.events,
			Position: pending.events[len(pending.events)-1].Position,
		})

	default:
		return fmt.Errorf("unknown entry kind %q", kind)
	}
}

func (b *Backend) Close() error {
	b.js.CleanupPublisher()
	b.closeNc()
	b.log.Debug("closed")
	return nil
}

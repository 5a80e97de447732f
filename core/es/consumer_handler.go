package es

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

type (
	Handler interface {
		Handle(msgCtx MsgCtx) error
	}
	HandlerLifecycleStart interface {
		Start(ctx context.Context) error
	}
	HandlerLifecycleShutdown interface {
		Shutdown(ctx context.Context) error
	}
	HandleFunc           func(ctx MsgCtx) error
	HandlerMiddleware    func(next Handler) Handler
	MiddlewareHandleFunc func(ctx MsgCtx, next Handler) error
)

func applyMiddlewares(h Handler, middlewares []HandlerMiddleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// === handler func ===

func (f HandleFunc) Handle(ctx MsgCtx) error { return f(ctx) }
func Handle(f HandleFunc) HandleFunc         { return f }

// === middleware ===

type middleware struct {
	next Handler
	mw   MiddlewareHandleFunc
}

func (m *middleware) Handle(msgCtx MsgCtx) error { return m.mw(msgCtx, m.next) }

func MiddlewareHandle(mw MiddlewareHandleFunc) HandlerMiddleware {
	return func(next Handler) Handler {
		return &middleware{
			next: next,
			mw:   mw,
		}
	}
}

// === log ===

func NewLogMiddleware(attrs ...any) HandlerMiddleware {
	return MiddlewareHandle(func(ctx MsgCtx, next Handler) (err error) {
		handleAt := time.Now()

		log := ctx.Log().With(attrs...)

		err = next.Handle(ctx)
		if err != nil {
			log.Error("failed", slog.Any("error", err), slog.Duration("duration", time.Since(handleAt)))
		} else {
			log.Debug("handled", slog.Duration("duration", time.Since(handleAt)))
		}

		return err
	})
}

// === checkpoint middleware ===

// Checkpoint is implemented by handlers that know where to resume.
type Checkpoint interface {
	// LastCursor returns the cursor of the last handled event or
	// ErrCheckpointNotFound.
	LastCursor() (int64, error)
}

type checkpointHandler struct {
	cp CpStore
	h  Handler
}

func (c *checkpointHandler) LastCursor() (int64, error) { return c.cp.Get() }

func (c *checkpointHandler) Handle(msgCtx MsgCtx) (err error) {
	last, err := c.cp.Get()
	switch {
	case errors.Is(err, ErrCheckpointNotFound):
	case err != nil:
		return err
	case msgCtx.Cursor() <= last:
		msgCtx.log.Debug("skip", slog.Int64("checkpoint", last), slog.String("middleware", "checkpoint"))
		return nil
	}

	if err = c.h.Handle(msgCtx); err != nil {
		return err
	}
	return c.cp.Set(msgCtx.Cursor())
}

var _ Handler = (*checkpointHandler)(nil)

// NewCheckpointMiddleware records the cursor of every handled event in cp
// and skips events at or before the stored cursor.
func NewCheckpointMiddleware(cp CpStore) HandlerMiddleware {
	return func(handler Handler) Handler {
		return &checkpointHandler{cp: cp, h: handler}
	}
}

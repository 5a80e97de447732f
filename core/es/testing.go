package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// === Helpers ===

type TestingEnv struct {
	*Env
	t *testing.T
}

func (e *TestingEnv) Assert() *TestingEnvAssert {
	return &TestingEnvAssert{env: e}
}

// NewTestEnv starts an in-memory env that is shut down when the test ends.
// Options may replace the backend.
func NewTestEnv(
	t *testing.T,
	opts ...EnvOption,
) *TestingEnv {
	t.Helper()
	e, err := NewEnv(
		WithInMemory(),
		WithCtx(t.Context()),
		WithEnvOpts(opts...),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, e.Shutdown())
	})
	return &TestingEnv{
		t:   t,
		Env: e,
	}
}

type TestingEnvAssert struct {
	env *TestingEnv
}

// Append appends events to stream and fails the test on error.
func (t *TestingEnvAssert) Append(
	ctx context.Context,
	stream string,
	expected ExpectedVersion,
	events ...any,
) *AppendResult {
	t.env.t.Helper()
	res, err := t.env.Append(ctx, stream, expected, events...)
	require.NoError(t.env.t, err)
	return res
}

// StreamVersion fails the test unless stream is at version.
func (t *TestingEnvAssert) StreamVersion(stream string, version int64) {
	t.env.t.Helper()
	v, ok := t.env.store.StreamVersion(stream)
	require.True(t.env.t, ok, "stream %s does not exist", stream)
	require.Equal(t.env.t, version, v)
}

package es

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExpectedVersion(t *testing.T) {
	tests := []struct {
		name    string
		v       ExpectedVersion
		current int64
		ok      bool
	}{
		{"any on missing", ExpectAny, -1, true},
		{"any on existing", ExpectAny, 4, true},
		{"no stream on missing", ExpectNoStream, -1, true},
		{"no stream on existing", ExpectNoStream, 0, false},
		{"empty on missing", ExpectEmptyStream, -1, true},
		{"empty on existing", ExpectEmptyStream, 2, false},
		{"exists on missing", ExpectStreamExists, -1, false},
		{"exists on existing", ExpectStreamExists, 0, true},
		{"exact match", ExpectVersion(3), 3, true},
		{"exact mismatch", ExpectVersion(3), 4, false},
		{"exact zero on missing", ExpectVersion(0), -1, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.ok, tc.v.satisfiedBy(tc.current))
		})
	}
}

func TestExpectedVersion_valid(t *testing.T) {
	require.True(t, ExpectAny.valid())
	require.True(t, ExpectVersion(0).valid())
	require.False(t, ExpectedVersion(-5).valid())
	require.Equal(t, "stream_exists", ExpectStreamExists.String())
	require.Equal(t, "12", ExpectVersion(12).String())
}

package es

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		stream   string
		category string
		ok       bool
	}{
		{"order-42", "order", true},
		{"unitTest.account-7f1c-44aa", "unitTest.account", true},
		{"order", "", false},
		{"-42", "", false},
		{"$ce-order", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.stream, func(t *testing.T) {
			c, ok := CategoryOf(tc.stream)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.category, c)
		})
	}
}

func TestStreamNameBuilder(t *testing.T) {
	b := NewStreamNameBuilder("unitTest")
	require.Equal(t, "unitTest.testAggregate-a1", b.ForAggregate("TestAggregate", "a1"))
	require.Equal(t, "$ce-unitTest.testAggregate", b.ForCategory("TestAggregate"))
	require.Equal(t, "$et-NewAggregate", b.ForEventType("NewAggregate"))

	plain := NewStreamNameBuilder("")
	require.Equal(t, "account-1", plain.ForAggregate("account", "1"))
	require.Equal(t, "$ce-account", plain.ForCategory("Account"))
}

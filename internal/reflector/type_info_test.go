package reflector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type orderPlaced struct{}

func TestTypeInfo(t *testing.T) {
	ti := TypeInfoOf(&orderPlaced{})
	require.Equal(t, "orderPlaced", ti.Short)
	require.Equal(t, "github.com/codewandler/esdb-go/internal/reflector.orderPlaced", ti.Name)
	require.Equal(t, ti, TypeInfoFor[orderPlaced]())
	require.Equal(t, TypeInfo{}, TypeInfoOf(nil))
}

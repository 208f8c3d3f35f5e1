package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPostgresStoreRequiresDSN(t *testing.T) {
	_, err := NewPostgresStore(nil, "")
	require.Error(t, err)
}

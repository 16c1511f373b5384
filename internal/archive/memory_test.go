package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwelch/newsharvest/internal/harvest"
)

func TestMemoryPutStoresCopy(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	data := []byte("<html>original</html>")
	uri, err := m.Put(context.Background(), "wsj/2025-06-01/def.html", data)
	require.NoError(t, err)
	require.Equal(t, "memory://wsj/2025-06-01/def.html", uri)

	// Mutating the caller's slice must not reach the stored blob.
	data[6] = 'X'
	stored, ok := m.Object("wsj/2025-06-01/def.html")
	require.True(t, ok)
	require.Equal(t, "<html>original</html>", string(stored))
	require.Equal(t, 1, m.Len())
}

func TestMemoryObjectMissingKey(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	_, ok := m.Object("absent")
	require.False(t, ok)
}

func TestNoopPutReturnsEmptyURI(t *testing.T) {
	t.Parallel()

	uri, err := Noop{}.Put(context.Background(), "any/key.html", []byte("x"))
	require.NoError(t, err)
	require.Empty(t, uri)
}

func TestWithPrefixNestsKeys(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	a := WithPrefix(m, "/harvest/raw/")
	uri, err := a.Put(context.Background(), "reuters/2025-06-01/abc.html", []byte("<html/>"))
	require.NoError(t, err)
	require.Equal(t, "memory://harvest/raw/reuters/2025-06-01/abc.html", uri)

	_, ok := m.Object("harvest/raw/reuters/2025-06-01/abc.html")
	require.True(t, ok)
}

func TestWithPrefixBlankReturnsInner(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	require.Equal(t, harvest.Archiver(m), WithPrefix(m, ""))
}

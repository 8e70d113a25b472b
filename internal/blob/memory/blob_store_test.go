package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()
	s := NewBlobStore()
	ctx := context.Background()

	uri, err := s.Put(ctx, "screenshots/job-1.png", "image/png", bytes.NewReader([]byte{0x89, 0x50}))
	require.NoError(t, err)
	require.Equal(t, "memory://screenshots/job-1.png", uri)

	data, contentType, err := s.Get(ctx, uri)
	require.NoError(t, err)
	require.Equal(t, []byte{0x89, 0x50}, data)
	require.Equal(t, "image/png", contentType)
	require.Equal(t, 1, s.Len())
}

func TestBlobStoreGetMissing(t *testing.T) {
	t.Parallel()
	s := NewBlobStore()

	_, _, err := s.Get(context.Background(), "memory://missing")
	require.ErrorIs(t, err, carbon.ErrNotFound)
}

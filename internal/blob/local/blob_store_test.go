package local

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	require.Error(t, err)
}

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := s.Put(ctx, "reports/job-1.pdf", "application/pdf", bytes.NewReader([]byte("%PDF-1.4")))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, contentType, err := s.Get(ctx, uri)
	require.NoError(t, err)
	require.Equal(t, []byte("%PDF-1.4"), data)
	require.Equal(t, "application/pdf", contentType)
}

func TestBlobStoreRejectsTraversal(t *testing.T) {
	t.Parallel()
	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.Put(context.Background(), "../escape.txt", "text/plain", bytes.NewReader([]byte("x")))
	require.Error(t, err)

	_, _, err = s.Get(context.Background(), "file:///etc/passwd")
	require.Error(t, err)
}

func TestBlobStoreGetMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	_, _, err = s.Get(context.Background(), "file://"+dir+"/missing.bin")
	require.ErrorIs(t, err, carbon.ErrNotFound)
}

package storage_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"journalflow/internal/config"
	"journalflow/internal/storage"
)

func TestMemoryPutAndSign(t *testing.T) {
	ctx := context.Background()
	s, err := storage.Open(ctx, config.StorageConfig{Driver: "memory", Bucket: "galleys"})
	require.NoError(t, err)

	key := storage.GalleyKey("ms-1", 2, "my galley.pdf", time.Unix(100, 0))
	assert.Equal(t, "manuscripts/ms-1/galleys/cycle-2/100-my_galley.pdf", key)

	_, err = s.SignedURL(ctx, key, time.Minute)
	assert.Error(t, err)

	require.NoError(t, s.Put(ctx, key, strings.NewReader("%PDF"), 4, "application/pdf"))
	u, err := s.SignedURL(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "memory://galleys/manuscripts/ms-1/"), u)
	assert.Contains(t, u, "expires=")

	assert.Error(t, s.Put(ctx, "x", strings.NewReader("abc"), 10, ""))

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.SignedURL(ctx, key, time.Minute)
	assert.Error(t, err)
	assert.NoError(t, s.Delete(ctx, key), "deleting twice is fine")
}

func TestFinalPDFKeyStripsDirectories(t *testing.T) {
	assert.Equal(t, "manuscripts/ms-1/final/v3-paper.pdf", storage.FinalPDFKey("ms-1", 3, "../../etc/paper.pdf"))
	assert.Equal(t, "manuscripts/ms-1/final/v1-file.pdf", storage.FinalPDFKey("ms-1", 1, ""))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := storage.Open(context.Background(), config.StorageConfig{Driver: "ftp"})
	assert.Error(t, err)
}

func TestNewMinioBuildsClient(t *testing.T) {
	s, err := storage.NewMinio(config.StorageConfig{Endpoint: "localhost:9000", AccessKey: "k", SecretKey: "s", Bucket: "galleys", Region: "us-east-1"})
	require.NoError(t, err)
	u, err := s.SignedURL(context.Background(), "manuscripts/ms-1/final/v1-paper.pdf", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, "X-Amz-Signature=")
}

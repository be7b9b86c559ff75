// Package storage keeps galley and final PDF artifacts and issues signed
// download links for them.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"journalflow/internal/config"
)

// ObjectStore is the artifact store the engine writes through.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Open builds the store named by cfg.Driver.
func Open(ctx context.Context, cfg config.StorageConfig) (ObjectStore, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemory(cfg.Bucket), nil
	case "minio", "s3":
		s, err := NewMinio(cfg)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("storage driver %s not supported", cfg.Driver)
}

// GalleyKey is the object key for one galley upload of a cycle.
func GalleyKey(manuscriptID string, cycleNo int, fileName string, at time.Time) string {
	return path.Join("manuscripts", manuscriptID, "galleys", fmt.Sprintf("cycle-%d", cycleNo),
		fmt.Sprintf("%d-%s", at.Unix(), cleanName(fileName)))
}

// FinalPDFKey is the object key for a manuscript's final PDF.
func FinalPDFKey(manuscriptID string, version int, fileName string) string {
	return path.Join("manuscripts", manuscriptID, "final", fmt.Sprintf("v%d-%s", version, cleanName(fileName)))
}

func cleanName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "file.pdf"
	}
	return strings.ReplaceAll(name, " ", "_")
}

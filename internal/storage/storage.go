// Package storage keeps sobriety recordings outside the database. Recordings
// are content addressed: the reference returned by Put is "sha256:<hex>" of
// the bytes, so storing the same recording twice is a no-op.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/garnizeh/sobershift/internal/config"
)

const refPrefix = "sha256:"

type RecordingStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// New builds the store selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig) (RecordingStore, error) {
	switch cfg.Backend {
	case "", "fs":
		return NewFSStore(cfg.Dir)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			Prefix:    cfg.Prefix,
			PathStyle: cfg.PathStyle,
		})
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func contentRef(data []byte) (ref, digest string) {
	sum := sha256.Sum256(data)
	digest = hex.EncodeToString(sum[:])
	return refPrefix + digest, digest
}

// parseRef validates ref and returns its hex digest.
func parseRef(ref string) (string, error) {
	digest, ok := strings.CutPrefix(ref, refPrefix)
	if !ok {
		return "", fmt.Errorf("invalid recording reference %q", ref)
	}
	if b, err := hex.DecodeString(digest); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("invalid recording reference %q", ref)
	}
	return digest, nil
}

// Package store persists task states, recipes and artifacts. Documents are
// versioned: every write is a compare-and-swap on the version the writer
// read, so concurrent instances never need a shared lock. Blobs are
// content-addressed.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/recette/ingest/internal/model"
)

var (
	// ErrNotFound is returned when a key or locator does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrVersionMismatch is returned when a compare-and-swap loses.
	ErrVersionMismatch = errors.New("store: version mismatch")
)

// Doc is one versioned document.
type Doc struct {
	Key       string
	Value     []byte
	Version   int64
	UpdatedAt time.Time
}

// DocStore is a key/value store with optimistic concurrency.
type DocStore interface {
	Get(ctx context.Context, key string) (Doc, error)
	// CompareAndSwap writes value when the stored version equals expected
	// and returns the new version. expected 0 means the key must not exist.
	CompareAndSwap(ctx context.Context, key string, expected int64, value []byte) (int64, error)
	// List returns the documents whose key starts with prefix, by key.
	List(ctx context.Context, prefix string) ([]Doc, error)
}

// BlobStore keeps immutable content-addressed blobs.
type BlobStore interface {
	// Put stores data and returns its locator. Storing the same bytes twice
	// returns the same locator.
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, locator string) ([]byte, error)
}

// Locator returns the content address of data.
func Locator(data []byte) string {
	return "sha256:" + digest(data)
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// parseLocator returns the hex digest of a locator.
func parseLocator(loc string) (string, error) {
	hexsum, ok := strings.CutPrefix(loc, "sha256:")
	if !ok || len(hexsum) != 64 {
		return "", fmt.Errorf("store: bad locator %q", loc)
	}
	if _, err := hex.DecodeString(hexsum); err != nil {
		return "", fmt.Errorf("store: bad locator %q", loc)
	}
	return hexsum, nil
}

// PutArtifact stores data and describes it as a named artifact.
func PutArtifact(ctx context.Context, b BlobStore, name, contentType string, data []byte) (model.ArtifactRef, error) {
	loc, err := b.Put(ctx, data, contentType)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("store: put artifact %s: %w", name, err)
	}
	return model.ArtifactRef{
		Name:        name,
		Locator:     loc,
		ContentType: contentType,
		Size:        len(data),
		SHA256:      digest(data),
	}, nil
}

// Store groups the typed stores over one document and one blob backend.
type Store struct {
	Docs    DocStore
	Blobs   BlobStore
	Tasks   *Tasks
	Recipes *Recipes
}

// New builds a Store.
func New(docs DocStore, blobs BlobStore) *Store {
	return &Store{
		Docs:    docs,
		Blobs:   blobs,
		Tasks:   NewTasks(docs),
		Recipes: NewRecipes(docs),
	}
}

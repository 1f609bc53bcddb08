// Package blobstore implements blob sharing: content-addressed storage for
// the large artifacts (files, attachments) a context's application may
// want to replicate out-of-band from the CRDT state itself (component
// design §6). Ids are the sha256 of the blob's bytes, so Put is naturally
// idempotent and Get needs no separate metadata lookup.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned by Get when no blob with the given id exists.
var ErrNotFound = errors.New("blobstore: blob not found")

// Store is the blob-sharing capability: content-address in, stream out.
type Store interface {
	Put(ctx context.Context, r io.Reader) (id [32]byte, size int64, err error)
	Get(ctx context.Context, id [32]byte) (io.ReadCloser, error)
	Has(ctx context.Context, id [32]byte) (bool, error)
}

// MinioStore is an S3-compatible Store, adapted from the teacher's CAS
// client: same bucket-ensure-on-construct idiom and sharded key layout,
// but content-addressed directly by the whole blob's hash rather than
// chunked, since blob sharing here moves single attachments, not large
// multi-gigabyte objects needing resumable chunked upload.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore dials endpoint and ensures bucket exists.
func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, secure bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("blobstore: check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("blobstore: create bucket: %w", err)
		}
	}

	return &MinioStore{client: client, bucket: bucket}, nil
}

func blobKey(id [32]byte) string {
	hexID := fmt.Sprintf("%x", id)
	return path.Join("blobs", hexID[:2], hexID[2:4], hexID)
}

func (s *MinioStore) Put(ctx context.Context, r io.Reader) ([32]byte, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return [32]byte{}, 0, fmt.Errorf("blobstore: read blob: %w", err)
	}
	id := sha256.Sum256(data)

	if exists, err := s.Has(ctx, id); err != nil {
		return [32]byte{}, 0, err
	} else if exists {
		return id, int64(len(data)), nil
	}

	key := blobKey(id)
	if _, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{}); err != nil {
		return [32]byte{}, 0, fmt.Errorf("blobstore: upload blob: %w", err)
	}
	return id, int64(len(data)), nil
}

func (s *MinioStore) Get(ctx context.Context, id [32]byte) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, blobKey(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("blobstore: get blob: %w", err)
	}
	if _, err := obj.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blobstore: stat blob: %w", err)
	}
	return obj, nil
}

func (s *MinioStore) Has(ctx context.Context, id [32]byte) (bool, error) {
	_, err := s.client.StatObject(ctx, s.bucket, blobKey(id), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("blobstore: stat blob: %w", err)
	}
	return true, nil
}

// MemoryStore is an in-process Store test double.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[[32]byte][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[[32]byte][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, r io.Reader) ([32]byte, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return [32]byte{}, 0, err
	}
	id := sha256.Sum256(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[id]; !ok {
		m.data[id] = data
	}
	return id, int64(len(data)), nil
}

func (m *MemoryStore) Get(_ context.Context, id [32]byte) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Has(_ context.Context, id [32]byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[id]
	return ok, nil
}

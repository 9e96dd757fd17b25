//go:build gcp

package archive

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSSink stores bundles in a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

func newGCSSink(ctx context.Context, bucket, prefix string) (Sink, error) {
	if bucket == "" {
		return nil, errors.New("archive: gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: gcs client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSSink) Put(ctx context.Context, data []byte) (string, error) {
	ref, digest := contentRef(data)
	obj := s.client.Bucket(s.bucket).Object(objectName(s.prefix, digest))
	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive: gcs close: %w", err)
	}
	return ref, nil
}

func (s *GCSSink) Get(ctx context.Context, ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(s.bucket).Object(objectName(s.prefix, digest)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: gcs get %s: %w", ref, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

func (s *GCSSink) Exists(ctx context.Context, ref string) (bool, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return false, err
	}
	_, err = s.client.Bucket(s.bucket).Object(objectName(s.prefix, digest)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("archive: gcs attrs %s: %w", ref, err)
	}
	return true, nil
}

func (s *GCSSink) Close() error {
	return s.client.Close()
}

package archive

import (
	"context"
	"fmt"
)

type SinkType string

const (
	SinkTypeFS   SinkType = "fs"
	SinkTypeS3   SinkType = "s3"
	SinkTypeGCS  SinkType = "gcs"
	SinkTypeNone SinkType = "none"
)

// Config selects and configures the archive sink.
type Config struct {
	Type   SinkType `yaml:"type"`
	Dir    string   `yaml:"dir"`
	S3     S3Config `yaml:"s3"`
	Bucket string   `yaml:"gcs_bucket"`
	Prefix string   `yaml:"gcs_prefix"`
}

// NewSink builds the configured sink. SinkTypeNone returns nil, nil.
func NewSink(ctx context.Context, cfg Config) (Sink, error) {
	switch cfg.Type {
	case SinkTypeNone:
		return nil, nil
	case "", SinkTypeFS:
		dir := cfg.Dir
		if dir == "" {
			dir = "data/archive"
		}
		return NewFileSink(dir)
	case SinkTypeS3:
		return NewS3Sink(ctx, cfg.S3)
	case SinkTypeGCS:
		return newGCSSink(ctx, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("archive: unsupported sink type %q", cfg.Type)
	}
}

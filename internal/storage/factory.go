package storage

import (
	"context"
	"fmt"
	"strings"
)

// Open builds a Store from a DSN:
//
//	mem://                in-memory (tests, throwaway profiles)
//	sqlite:///path/to.db  local sqlite database
//	s3://bucket/prefix    S3 bucket with an optional key prefix
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case dsn == "mem://":
		return NewMemStore(), nil

	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite://"))

	case strings.HasPrefix(dsn, "s3://"):
		rest := strings.TrimPrefix(dsn, "s3://")
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("s3 dsn %q: missing bucket", dsn)
		}
		return OpenS3(ctx, bucket, prefix)

	default:
		return nil, fmt.Errorf("unsupported storage dsn: %q", dsn)
	}
}

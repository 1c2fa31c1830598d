package payload

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"notebook/api/internal/store"
)

// BuildFromDSN picks a backend from the DSN scheme. An empty DSN reuses db when
// given and falls back to memory otherwise.
//
//	memory://
//	postgres://... | sqlite://...
//	s3://key:secret@host:port/bucket?secure=false
func BuildFromDSN(ctx context.Context, dsn string, db *store.DB) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if db != nil {
			return NewSQLStore(db), nil
		}
		return NewMemory(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse payload store dsn: %w", err)
	}
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case "memory", "mem", "inmem":
		return NewMemory(), nil
	case "postgres", "postgresql", "sqlite", "sqlite3", "file":
		opened, err := store.Open(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := store.ApplyMigrations(ctx, opened); err != nil {
			_ = opened.Close()
			return nil, err
		}
		s := NewSQLStore(opened)
		s.owned = true
		return s, nil
	case "s3", "minio":
		cfg, err := minioConfigFromURL(parsed)
		if err != nil {
			return nil, err
		}
		return NewMinioStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported payload store scheme: %s", scheme)
	}
}

func minioConfigFromURL(parsed *url.URL) (MinioConfig, error) {
	bucket := strings.Trim(parsed.Path, "/")
	if parsed.Host == "" || bucket == "" {
		return MinioConfig{}, fmt.Errorf("payload store dsn needs host and bucket: %s", parsed.Redacted())
	}
	cfg := MinioConfig{Endpoint: parsed.Host, Bucket: bucket, Secure: true}
	if parsed.User != nil {
		cfg.AccessKey = parsed.User.Username()
		cfg.SecretKey, _ = parsed.User.Password()
	}
	if v := parsed.Query().Get("secure"); v == "false" || v == "0" {
		cfg.Secure = false
	}
	return cfg, nil
}

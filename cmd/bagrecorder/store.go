package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/novatechflow/bagtransport/pkg/bag"
	"github.com/novatechflow/bagtransport/pkg/bagconfig"
)

// openObjectStoreWriter opens the s3:// bag named by cfg as a Writer,
// tagging it with the given rmw serialization format.
func openObjectStoreWriter(cfg bagconfig.StorageConfig, rmwSerializationFormat string) (bag.Writer, error) {
	bucket, bagID, err := parseS3URI(cfg.URI)
	if err != nil {
		return nil, err
	}
	s3cfg := bag.S3Config{
		Bucket:         bucket,
		Region:         cfg.S3Region,
		Endpoint:       cfg.S3Endpoint,
		ForcePathStyle: cfg.S3Endpoint != "",
	}
	client, err := bag.NewS3Client(context.Background(), s3cfg)
	if err != nil {
		return nil, fmt.Errorf("build s3 client: %w", err)
	}
	store := bag.NewObjectStore(cfg.S3Prefix, bagID, client, bag.ObjectStoreConfig{
		FlushMessages: 500,
	})
	conv := bag.ConversionOptions{InputSerializationFormat: rmwSerializationFormat}
	if err := store.Open(bag.StorageOptions{URI: cfg.URI}, conv); err != nil {
		return nil, fmt.Errorf("open bag %s: %w", cfg.URI, err)
	}
	return store, nil
}

func parseS3URI(uri string) (bucket, key string, err error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("parse s3 uri %s: %w", uri, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("not an s3:// uri: %s", uri)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

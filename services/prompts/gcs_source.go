// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// maxTemplateBytes bounds how much of a remote object is read.
const maxTemplateBytes = 64 * 1024

// GCSSource reads templates from a Cloud Storage bucket using the same layout
// as FileSource, under an optional prefix:
//
//	gs://<bucket>/<prefix>/<kind>.tmpl
//	gs://<bucket>/<prefix>/<language>/<kind>.tmpl
type GCSSource struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSSource creates a storage client and wraps it.
//
// credentialsFile may be empty, in which case Application Default Credentials
// are used. Close releases the client.
func NewGCSSource(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSSource, error) {
	if bucket == "" {
		return nil, fmt.Errorf("GCS template bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSSource{client: client, bucket: bucket, prefix: prefix}, nil
}

// Read implements Source.
func (s *GCSSource) Read(ctx context.Context, kind Kind, language string) (string, error) {
	name := path.Join(s.prefix, string(kind)+TemplateExt)
	if language != "" {
		name = path.Join(s.prefix, language, string(kind)+TemplateExt)
	}

	r, err := s.client.Bucket(s.bucket).Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", fmt.Errorf("gs://%s/%s: %w", s.bucket, name, ErrTemplateNotFound)
		}
		return "", fmt.Errorf("failed to open gs://%s/%s: %w", s.bucket, name, err)
	}
	defer r.Close()

	data, err := io.ReadAll(io.LimitReader(r, maxTemplateBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read gs://%s/%s: %w", s.bucket, name, err)
	}
	return string(data), nil
}

// Languages implements LanguageLister: the "directories" directly under the
// prefix.
func (s *GCSSource) Languages(ctx context.Context) ([]string, error) {
	prefix := strings.Trim(s.prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})

	var languages []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs://%s/%s: %w", s.bucket, prefix, err)
		}
		if attrs.Prefix == "" {
			continue
		}
		languages = append(languages, strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, prefix), "/"))
	}
	return languages, nil
}

// Close releases the underlying storage client.
func (s *GCSSource) Close() error {
	return s.client.Close()
}

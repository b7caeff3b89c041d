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
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// TemplateExt is the file extension of template files and objects.
const TemplateExt = ".tmpl"

// ErrTemplateNotFound is returned by a Source that has no template for the
// requested kind and language.
var ErrTemplateNotFound = errors.New("template not found")

// Source reads raw template bodies by kind and language.
//
// An empty language asks for the generic (language-neutral) template. Any
// error, not only ErrTemplateNotFound, is treated by the Store as "this tier
// has nothing"; sources should still return ErrTemplateNotFound for plain
// misses so logs can tell a miss from an I/O failure.
type Source interface {
	Read(ctx context.Context, kind Kind, language string) (string, error)
}

// LanguageLister is implemented by sources that can enumerate the languages
// they hold templates for.
type LanguageLister interface {
	Languages(ctx context.Context) ([]string, error)
}

// =============================================================================
// FileSource
// =============================================================================

// FileSource reads templates from a directory laid out as:
//
//	<dir>/<kind>.tmpl            generic
//	<dir>/<language>/<kind>.tmpl language-specific
//
// The filesystem is an afero.Fs so tests can use an in-memory tree.
type FileSource struct {
	fs  afero.Fs
	dir string
}

// NewFileSource creates a FileSource rooted at dir on fs. A nil fs means the
// OS filesystem.
func NewFileSource(fs afero.Fs, dir string) *FileSource {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileSource{fs: fs, dir: dir}
}

// Read implements Source.
func (s *FileSource) Read(ctx context.Context, kind Kind, language string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, string(kind)+TemplateExt)
	if language != "" {
		path = filepath.Join(s.dir, language, string(kind)+TemplateExt)
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%s: %w", path, ErrTemplateNotFound)
		}
		return "", fmt.Errorf("failed to read template %s: %w", path, err)
	}
	return string(data), nil
}

// Languages implements LanguageLister: every subdirectory of dir.
func (s *FileSource) Languages(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list template dir %s: %w", s.dir, err)
	}
	var languages []string
	for _, e := range entries {
		if e.IsDir() {
			languages = append(languages, e.Name())
		}
	}
	return languages, nil
}

// =============================================================================
// MapSource
// =============================================================================

// MapSource serves templates from memory. Keys are "<kind>" for generic
// templates and "<language>/<kind>" for language-specific ones.
type MapSource struct {
	mu        sync.RWMutex
	templates map[string]string
}

// NewMapSource copies templates into a new MapSource.
func NewMapSource(templates map[string]string) *MapSource {
	copied := make(map[string]string, len(templates))
	for k, v := range templates {
		copied[k] = v
	}
	return &MapSource{templates: copied}
}

// Read implements Source.
func (s *MapSource) Read(_ context.Context, kind Kind, language string) (string, error) {
	key := string(kind)
	if language != "" {
		key = language + "/" + key
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.templates[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrTemplateNotFound)
	}
	return body, nil
}

// Languages implements LanguageLister.
func (s *MapSource) Languages(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for key := range s.templates {
		if i := strings.LastIndex(key, "/"); i > 0 {
			seen[key[:i]] = true
		}
	}
	languages := make([]string, 0, len(seen))
	for l := range seen {
		languages = append(languages, l)
	}
	sort.Strings(languages)
	return languages, nil
}

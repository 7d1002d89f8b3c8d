// Package checkpoint owns a book's working directory: the JSON id maps that
// let an interrupted run resume, the stash of pristine chapters and the
// editable proper-noun dictionary.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/valpere/epubtran/internal/placeholder"
)

// Files inside a working directory.
const (
	TextDict         = "translated/text_dict.json"
	TOCDict          = "translated/toc_text_dict.json"
	ReviewDict       = "translated/review_text_dict.json"
	HTMLChunks       = "translated/html_chunks.json"
	OriginalTextDict = "original/text_dict.json"
	OriginalTOCDict  = "original/toc_text_dict.json"
	PNDict           = "pn_dict.yaml"

	chaptersDir = "original/chapters"
)

// Dir is the working directory of one book.
type Dir struct {
	root string
}

// Workdir returns the working directory for book under outputDir. The
// directory is named after the book's base name without extension.
func Workdir(outputDir, book string) Dir {
	base := filepath.Base(book)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return Dir{root: filepath.Join(outputDir, base)}
}

// Root returns the directory path.
func (d Dir) Root() string { return d.root }

// Path returns the absolute location of a working-directory file.
func (d Dir) Path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

// Exists reports whether name is present.
func (d Dir) Exists(name string) bool {
	_, err := os.Stat(d.Path(name))
	return err == nil
}

// Load reads an id map. A missing file is an empty map.
func (d Dir) Load(name string) (placeholder.TextMap, error) {
	data, err := os.ReadFile(d.Path(name))
	if errors.Is(err, fs.ErrNotExist) {
		return placeholder.TextMap{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", name, err)
	}
	m := placeholder.TextMap{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", name, err)
	}
	return m, nil
}

// Save writes m in numeric id order, replacing the previous file atomically.
func (d Dir) Save(name string, m placeholder.TextMap) error {
	data, err := m.Encode("  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", name, err)
	}
	return WriteFile(d.Path(name), data)
}

// Remove deletes name. A missing file is not an error.
func (d Dir) Remove(name string) error {
	err := os.Remove(d.Path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes every checkpoint and the chapter stash. The dictionary file
// is kept.
func (d Dir) Clear() error {
	for _, sub := range []string{"translated", "original"} {
		if err := os.RemoveAll(filepath.Join(d.root, sub)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", sub, err)
		}
	}
	return nil
}

// Entry describes one checkpoint file.
type Entry struct {
	Name    string
	Entries int
	Size    int64
}

// List returns the checkpoint files present, in a fixed order.
func (d Dir) List() ([]Entry, error) {
	names := []string{OriginalTextDict, TextDict, ReviewDict, OriginalTOCDict, TOCDict, HTMLChunks}
	var out []Entry
	for _, name := range names {
		info, err := os.Stat(d.Path(name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		m, err := d.Load(name)
		if err != nil {
			return nil, err
		}
		out = append(out, Entry{Name: name, Entries: len(m), Size: info.Size()})
	}
	return out, nil
}

// Stash stores the pristine bytes of a chapter the first time it is seen.
// Later calls for the same path are no-ops.
func (d Dir) Stash(chapter string, data []byte) error {
	p, err := d.chapterPath(chapter)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	return WriteFile(p, data)
}

// Stashed returns the pristine bytes of chapter, if stashed.
func (d Dir) Stashed(chapter string) ([]byte, bool, error) {
	p, err := d.chapterPath(chapter)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// StashedChapters lists the stashed chapter paths in lexical order.
func (d Dir) StashedChapters() ([]string, error) {
	root := filepath.Join(d.root, chaptersDir)
	var out []string
	err := filepath.WalkDir(root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	sort.Strings(out)
	return out, err
}

func (d Dir) chapterPath(chapter string) (string, error) {
	rel := filepath.FromSlash(chapter)
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("chapter path %q escapes the working directory", chapter)
	}
	return filepath.Join(d.root, chaptersDir, rel), nil
}

// WriteFile writes data to a temporary sibling and renames it over path, so
// a crash leaves either the old or the new content.
func WriteFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// JSONFile is a JSON document stored on an afero filesystem.
// Every Update rewrites the whole document through a temporary file that is
// renamed over the original, so a failed write never leaves a partial file.
type JSONFile[T any] struct {
	fs   afero.Fs
	path string

	mu sync.Mutex
}

func NewJSONFile[T any](fsys afero.Fs, path string) *JSONFile[T] {
	return &JSONFile[T]{
		fs:   fsys,
		path: path,
	}
}

// Path returns the location of the document.
func (f *JSONFile[T]) Path() string {
	return f.path
}

// Read returns the current document. A missing or empty file reads as the zero value.
func (f *JSONFile[T]) Read(ctx context.Context) (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}

	return f.read()
}

// Update applies fn to the current document and persists the result.
// Nothing is written when fn returns an error.
func (f *JSONFile[T]) Update(ctx context.Context, fn func(v *T) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	v, err := f.read()
	if err != nil {
		return err
	}

	if err := fn(&v); err != nil {
		return err
	}

	return f.write(v)
}

func (f *JSONFile[T]) read() (T, error) {
	var v T

	b, err := afero.ReadFile(f.fs, f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return v, nil
	}
	if err != nil {
		return v, fmt.Errorf("storage: read %s: %w", f.path, err)
	}

	if len(bytes.TrimSpace(b)) == 0 {
		return v, nil
	}

	if err := json.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("storage: decode %s: %w", f.path, err)
	}

	return v, nil
}

func (f *JSONFile[T]) write(v T) (err error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode %s: %w", f.path, err)
	}

	dir := filepath.Dir(f.path)
	if err := f.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(f.fs, dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("storage: create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, f.fs.Remove(tmp.Name()))
		}
	}()

	if _, err = tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("storage: write %s: %w", tmp.Name(), err)
	}

	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("storage: sync %s: %w", tmp.Name(), err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("storage: close %s: %w", tmp.Name(), err)
	}

	if err = f.fs.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("storage: rename %s: %w", tmp.Name(), err)
	}

	return nil
}

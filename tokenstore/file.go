package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// fileContents is the on-disk layout; one entry per namespace so several
// clients or profiles can share a file.
type fileContents struct {
	Tokens map[string]map[string]string `json:"tokens"`
}

// File stores tokens in a JSON file readable only by the owner. Values are
// plaintext unless the store is wrapped with Sealed.
type File struct {
	path      string
	namespace string
}

// NewFile returns a store backed by path. namespace selects the entry
// within the file; an empty namespace means "default".
func NewFile(path, namespace string) *File {
	if namespace == "" {
		namespace = "default"
	}
	return &File{path: path, namespace: namespace}
}

// Path returns the token file location.
func (f *File) Path() string { return f.path }

func (f *File) Get(ctx context.Context, key string) (string, bool, error) {
	if err := checkKey(key); err != nil {
		return "", false, err
	}
	contents, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := contents.Tokens[f.namespace][key]
	return v, ok, nil
}

func (f *File) Set(ctx context.Context, key, value string) error {
	return f.SetMany(ctx, map[string]string{key: value})
}

func (f *File) Delete(ctx context.Context, key string) error {
	return f.DeleteMany(ctx, key)
}

func (f *File) SetMany(ctx context.Context, values map[string]string) error {
	for k := range values {
		if err := checkKey(k); err != nil {
			return err
		}
	}
	return f.update(ctx, func(entry map[string]string) {
		for k, v := range values {
			entry[k] = v
		}
	})
}

func (f *File) DeleteMany(ctx context.Context, keys ...string) error {
	return f.update(ctx, func(entry map[string]string) {
		for _, k := range keys {
			delete(entry, k)
		}
	})
}

// load reads the file without locking; writers replace it by rename so a
// reader always sees a complete version.
func (f *File) load() (*fileContents, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return &fileContents{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return &contents, nil
}

// update applies fn to this namespace's entry under the file lock and
// writes the result atomically (temp file + rename).
func (f *File) update(ctx context.Context, fn func(entry map[string]string)) error {
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create token dir: %w", err)
		}
	}

	lock, err := acquireFileLock(ctx, f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	// Load inside the lock; a corrupt file starts over rather than
	// blocking logins forever.
	contents, err := f.load()
	if err != nil {
		contents = &fileContents{}
	}
	if contents.Tokens == nil {
		contents.Tokens = make(map[string]map[string]string)
	}
	entry := contents.Tokens[f.namespace]
	if entry == nil {
		entry = make(map[string]string)
	}
	fn(entry)
	if len(entry) == 0 {
		delete(contents.Tokens, f.namespace)
	} else {
		contents.Tokens[f.namespace] = entry
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

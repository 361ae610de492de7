// Package docstore reads and writes JSON documents on a shared filesystem.
//
// Writes go through a temp file in the target directory followed by a rename,
// so readers only ever observe complete documents. Read-modify-write on a
// document with more than one writer must go through Update, which serialises
// writers with a sibling ".lock" marker file.
package docstore

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// TempSuffix marks in-flight writes. Watchers and listers skip these files.
	TempSuffix = ".tmp"
	// LockSuffix marks lock files created by WithLock.
	LockSuffix = ".lock"
)

// Read loads the JSON document at path into a new T. A missing file or a
// document that fails to decode yields ok=false; Read never returns an error.
func Read[T any](path string) (*T, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return &v, true
}

// ReadRaw returns the raw bytes of a document, or nil when it is missing.
func ReadRaw(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return data
}

// WriteAtomic encodes v as JSON and replaces path with it. The parent directory
// is created on first write.
func WriteAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteBytesAtomic(path, data)
}

// WriteBytesAtomic replaces path with data using a uniquely named temp file in
// the same directory.
func WriteBytesAtomic(path string, data []byte) error {
	tmp, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}

// CreateExclusive writes v to path only if path does not exist yet. It reports
// whether the document was created. The content is complete before the name
// becomes visible because the temp file is hard-linked into place.
func CreateExclusive(path string, v any) (bool, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := writeTemp(path, data)
	if err != nil {
		return false, err
	}
	defer func() { _ = os.Remove(tmp) }()
	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("link %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func writeTemp(path string, data []byte) (string, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(path)+"."+randomSuffix()+TempSuffix)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, filePerm)
	if err != nil {
		return "", fmt.Errorf("create temp for %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write temp for %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("close temp for %s: %w", filepath.Base(path), err)
	}
	return tmp, nil
}

func randomSuffix() string {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Remove deletes path, treating a missing file as success.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ModTime returns the modification time of path, or the zero time.
func ModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// List returns the names of regular files in dir that start with prefix and
// end with suffix, sorted. Temp and lock files are never returned. A missing
// directory yields an empty list.
func List(dir, prefix, suffix string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if IsScratch(name) {
			continue
		}
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsScratch reports whether name is a temp or lock file produced by this package.
func IsScratch(name string) bool {
	return strings.HasSuffix(name, TempSuffix) || strings.HasSuffix(name, LockSuffix)
}

// Package audio turns uploaded bytes into PCM samples.
//
// Uploads are first written to a temp file (Materialize) because container
// detection is extension driven, then decoded (Decode) into interleaved
// float32 samples normalized to [-1.0, 1.0].
package audio

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// DefaultExt is used when the upload has no usable filename extension.
const DefaultExt = ".wav"

const maxExtLen = 8

// TempFile is a materialized upload. Remove must be called when done.
type TempFile struct {
	path string

	once sync.Once
	err  error
}

// Path returns the file location on disk.
func (t *TempFile) Path() string {
	return t.path
}

// Remove deletes the file. It is safe to call more than once and
// treats an already missing file as removed.
func (t *TempFile) Remove() error {
	t.once.Do(func() {
		if err := os.Remove(t.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			t.err = fmt.Errorf("audio: remove temp file: %w", err)
		}
	})
	return t.err
}

// Materialize writes data to a new uniquely named file in dir (os.TempDir
// when empty). The file extension mirrors filename's, see ExtFor.
func Materialize(dir string, data []byte, filename string) (*TempFile, error) {
	if dir == "" {
		dir = os.TempDir()
	}

	path := filepath.Join(dir, "gostt-"+uuid.NewString()+ExtFor(filename))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("audio: create temp file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("audio: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("audio: close temp file: %w", err)
	}

	return &TempFile{path: path}, nil
}

// ExtFor returns the lower-cased extension of filename, or DefaultExt when
// there is none or it does not look like a real extension.
func ExtFor(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return DefaultExt
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return DefaultExt
		}
	}
	return ext
}

// Package media stores uploaded image files on local disk.
package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const copyBufferSize = 1 << 20

var (
	// ErrExtension is returned for uploads whose name is not a TIFF file name.
	ErrExtension = errors.New("only .tif and .tiff files are accepted")
	// ErrTooLarge is returned when an upload exceeds the configured limit.
	ErrTooLarge = errors.New("upload exceeds size limit")
)

// Stored describes a file written by Save.
type Stored struct {
	ID   string
	Path string
	Size int64
}

// Store writes uploads under a root directory.
type Store struct {
	root     string
	maxBytes int64
	log      zerolog.Logger
}

// NewStore creates the root and results directories if needed. A
// non-positive maxBytes disables the size limit.
func NewStore(root string, maxBytes int64, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "results"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	return &Store{root: root, maxBytes: maxBytes, log: log}, nil
}

// Root returns the media directory.
func (s *Store) Root() string { return s.root }

// ResultPath returns where the output of an analysis job is written.
func (s *Store) ResultPath(jobID string) string {
	return filepath.Join(s.root, "results", jobID+".tiff")
}

// CheckName validates the extension of an uploaded file name.
func CheckName(name string) error {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tif", ".tiff":
		return nil
	}
	return fmt.Errorf("%w: %q", ErrExtension, filepath.Base(name))
}

// Save streams r into a new file named by a random UUID. The partial file is
// removed on any failure.
func (s *Store) Save(r io.Reader, originalName string) (*Stored, error) {
	if err := CheckName(originalName); err != nil {
		return nil, err
	}

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	path := filepath.Join(s.root, id+".tiff")
	fh, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create media file: %w", err)
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	n, err := io.CopyBuffer(fh, src, make([]byte, copyBufferSize))
	if cerr := fh.Close(); err == nil {
		err = cerr
	}
	if err == nil && s.maxBytes > 0 && n > s.maxBytes {
		err = fmt.Errorf("%w of %s", ErrTooLarge, humanize.IBytes(uint64(s.maxBytes)))
	}
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	s.log.Info().
		Str("image_id", id).
		Str("original_name", originalName).
		Str("size", humanize.IBytes(uint64(n))).
		Msg("upload stored")
	return &Stored{ID: id, Path: path, Size: n}, nil
}

// Remove deletes a stored file, ignoring files that are already gone.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

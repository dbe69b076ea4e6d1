package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codebuildervaibhav/scribber/internal/types"
)

const tempSuffix = ".partial"

// LocalStorage stores uploaded audio on the local filesystem under dated
// directories. Locations it returns are relative to its root.
type LocalStorage struct {
	outputDir string
}

// NewLocalStorage creates a new local storage handler
func NewLocalStorage(outputDir string) (*LocalStorage, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{outputDir: outputDir}, nil
}

// Put streams r into a new blob for entityID and returns its location and size.
// The blob only becomes visible once fully written.
func (ls *LocalStorage) Put(ctx context.Context, entityID, filename string, r io.Reader) (string, int64, error) {
	// Dated directory structure: 2025/01/23/
	now := time.Now()
	rel := filepath.Join(
		fmt.Sprintf("%d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()),
		entityID+"_"+sanitizeFilename(filename))

	dst := filepath.Join(ls.outputDir, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create date directory: %w", err)
	}

	tmp, err := os.Create(dst + tempSuffix)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create blob: %w", err)
	}

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}

	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to finalize blob: %w", err)
	}
	return filepath.ToSlash(rel), n, nil
}

// Open returns a reader for the blob at location.
func (ls *LocalStorage) Open(location string) (io.ReadCloser, error) {
	path, err := ls.resolve(location)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: blob %s", types.ErrNotFound, location)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Delete removes the blob at location. Missing blobs are ignored.
func (ls *LocalStorage) Delete(location string) error {
	if location == "" {
		return nil
	}
	path, err := ls.resolve(location)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// CleanTemp removes partial uploads older than maxAge and returns how many
// were deleted.
func (ls *LocalStorage) CleanTemp(maxAge time.Duration) (int, error) {
	now := time.Now()
	var deleted int
	err := filepath.Walk(ls.outputDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}
		if info.IsDir() || !strings.HasSuffix(path, tempSuffix) {
			return nil
		}
		if now.Sub(info.ModTime()) > maxAge {
			if err := os.Remove(path); err == nil {
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

// resolve maps a stored location to a path inside the root.
func (ls *LocalStorage) resolve(location string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(location))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: invalid blob location %q", types.ErrValidation, location)
	}
	return filepath.Join(ls.outputDir, clean), nil
}

// sanitizeFilename strips path components and characters that are unsafe in
// file names, and limits the length.
func sanitizeFilename(name string) string {
	name = filepath.Base(filepath.Clean("/" + filepath.ToSlash(name)))
	if name == "/" || name == "." {
		return "upload"
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, name)
	if name == "" {
		name = "upload"
	}
	if len(name) > 100 {
		name = name[:100]
	}
	return name
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

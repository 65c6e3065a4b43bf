// Package storage moves artifact bytes on and off disk, keeping size
// and sha256 accounting as the bytes stream through.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
)

// Doer issues HTTP requests. *http.Client satisfies it; tests inject
// their own.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Downloader fetches artifact files from an upstream mirror.
type Downloader struct {
	// Client carries the upstream timeout. Downloads never retry; a
	// failed item fails its whole mirror job.
	Client    Doer
	UserAgent string
}

// DownloadWithHash streams url into destination, creating parent
// directories as needed, and returns the size and sha256 hex digest of
// the bytes written. On error a partial file may remain; removal is
// the caller's responsibility.
func (d *Downloader) DownloadWithHash(ctx context.Context, url, destination string) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return 0, "", fmt.Errorf("failed to create directory for %s: %w", destination, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", fmt.Errorf("failed to construct request for %s: %w", url, err)
	}
	if d.UserAgent != "" {
		req.Header.Set("User-Agent", d.UserAgent)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, "", fmt.Errorf("got unexpected http %d status code from %s", resp.StatusCode, url)
	}

	out, err := os.Create(destination)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create %s: %w", destination, err)
	}
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hasher), resp.Body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to download %s: %w", url, err)
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// SaveUpload writes r to destination, creating parent directories as
// needed, and returns the size and sha256 hex digest of the bytes
// written. Seekable sources are rewound afterwards so callers can read
// them again.
func SaveUpload(r io.Reader, destination string) (int64, string, error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return 0, "", fmt.Errorf("failed to create directory for %s: %w", destination, err)
	}
	out, err := os.Create(destination)
	if err != nil {
		return 0, "", fmt.Errorf("failed to create %s: %w", destination, err)
	}
	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(out, hasher), r)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, "", fmt.Errorf("failed to save upload to %s: %w", destination, err)
	}
	if seeker, ok := r.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return 0, "", fmt.Errorf("failed to rewind upload: %w", err)
		}
	}
	return size, hex.EncodeToString(hasher.Sum(nil)), nil
}

// SafeRemove deletes path, treating a missing file as success.
func SafeRemove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

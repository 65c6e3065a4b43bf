package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDownloadWithHash(t *testing.T) {
	body := "kernel bytes"
	var gotUserAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		if _, err := w.Write([]byte(body)); err != nil {
			t.Errorf("failed to write response: %v", err)
		}
	}))
	defer server.Close()

	downloader := &Downloader{Client: server.Client(), UserAgent: "Simplestream-Mirror/1.0"}
	destination := filepath.Join(t.TempDir(), "stable", "p1", "boot-kernel")
	size, digest, err := downloader.DownloadWithHash(context.Background(), server.URL+"/boot-kernel", destination)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if size != int64(len(body)) {
		t.Errorf("expected size %d, got %d", len(body), size)
	}
	expected := sha256.Sum256([]byte(body))
	if digest != hex.EncodeToString(expected[:]) {
		t.Errorf("unexpected digest %s", digest)
	}
	if gotUserAgent != "Simplestream-Mirror/1.0" {
		t.Errorf("unexpected user agent %q", gotUserAgent)
	}
	written, err := os.ReadFile(destination)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(written) != body {
		t.Errorf("file content does not match response body: %q", written)
	}
}

func TestDownloadWithHashRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer server.Close()

	downloader := &Downloader{Client: server.Client()}
	destination := filepath.Join(t.TempDir(), "artifact")
	if _, _, err := downloader.DownloadWithHash(context.Background(), server.URL, destination); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
	if _, err := os.Stat(destination); err == nil {
		t.Error("expected no file for a failed download")
	}
}

func TestSaveUpload(t *testing.T) {
	destination := filepath.Join(t.TempDir(), "custom", "product", "squashfs")
	size, digest, err := SaveUpload(strings.NewReader("rootfs"), destination)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != int64(len("rootfs")) {
		t.Errorf("unexpected size %d", size)
	}
	expected := sha256.Sum256([]byte("rootfs"))
	if digest != hex.EncodeToString(expected[:]) {
		t.Errorf("unexpected digest %s", digest)
	}
	if _, err := os.Stat(destination); err != nil {
		t.Errorf("expected the upload on disk: %v", err)
	}
}

func TestSafeRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "artifact")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to seed file: %v", err)
	}
	if err := SafeRemove(path); err != nil {
		t.Fatalf("unexpected error removing an existing file: %v", err)
	}
	if err := SafeRemove(path); err != nil {
		t.Fatalf("unexpected error removing a missing file: %v", err)
	}
}

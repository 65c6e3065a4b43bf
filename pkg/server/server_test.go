package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/simplestreams/mirror/pkg/api"
	"github.com/simplestreams/mirror/pkg/catalog"
	"github.com/simplestreams/mirror/pkg/custom"
	"github.com/simplestreams/mirror/pkg/jobs"
	"github.com/simplestreams/mirror/pkg/mirror"
	"github.com/simplestreams/mirror/pkg/publish"
	"github.com/simplestreams/mirror/pkg/storage"
	"github.com/simplestreams/mirror/pkg/upstream"
)

// hangingDoer blocks until the request context is canceled, keeping
// claimed jobs in flight for as long as a test needs them there.
type hangingDoer struct{}

func (hangingDoer) Do(req *http.Request) (*http.Response, error) {
	<-req.Context().Done()
	return nil, req.Context().Err()
}

type testServer struct {
	http  *httptest.Server
	store *catalog.Store
	root  string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	root := t.TempDir()

	workerCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client := upstream.NewClient(hangingDoer{}, "test")
	downloader := &storage.Downloader{Client: hangingDoer{}, UserAgent: "test"}
	publisher := publish.New(store, root)
	engine := mirror.NewEngine(store, client, downloader, publisher, root)
	runner := jobs.NewRunner(store, engine)
	customService := custom.NewService(store, publisher, root)

	server := httptest.NewServer(New(workerCtx, store, client, runner, customService, root).Handler())
	t.Cleanup(server.Close)
	return &testServer{http: server, store: store, root: root}
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	if err != nil {
		t.Fatalf("failed to GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp, body
}

func (ts *testServer) postJSON(t *testing.T, path, payload string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(ts.http.URL+path, "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp, body
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.get(t, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["status"] != "ok" {
		t.Errorf("unexpected payload %v", payload)
	}
}

func TestMirrorAdmission(t *testing.T) {
	ts := newTestServer(t)

	request := `{"index_url":"https://u.example/streams/v1/index.json","product_ids":["p1"]}`
	resp, body := ts.postJSON(t, "/api/mirror", request)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var first api.MirrorResult
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if diff := cmp.Diff([]string{"p1"}, first.Enqueued); diff != "" {
		t.Errorf("unexpected enqueued list: %s", diff)
	}
	if len(first.Jobs) != 1 || first.Jobs[0].ProductID != "p1" {
		t.Errorf("unexpected job summaries %v", first.Jobs)
	}

	// A second request for the same product is skipped, whether the job
	// is still queued or already claimed by the hanging worker.
	resp, body = ts.postJSON(t, "/api/mirror", request)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var second api.MirrorResult
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(second.Enqueued) != 0 {
		t.Errorf("expected nothing enqueued, got %v", second.Enqueued)
	}
	if diff := cmp.Diff([]string{"p1 (already queued)"}, second.Skipped); diff != "" {
		t.Errorf("unexpected skipped list: %s", diff)
	}
}

func TestMirrorValidation(t *testing.T) {
	ts := newTestServer(t)
	testCases := []struct {
		name    string
		payload string
	}{
		{name: "empty products", payload: `{"index_url":"https://u.example/streams/v1/index.json","product_ids":[]}`},
		{name: "missing index url", payload: `{"product_ids":["p1"]}`},
		{name: "malformed body", payload: `{"index_url":`},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := ts.postJSON(t, "/api/mirror", tc.payload)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("unexpected status %d: %s", resp.StatusCode, body)
			}
		})
	}
}

func TestListImages(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	path := "streams/v1/com.example:stable:v1.json"
	stream := &catalog.Stream{StreamID: "com.example:stable:v1", Path: &path}
	if err := catalog.InsertStream(ctx, ts.store.DB(), stream); err != nil {
		t.Fatalf("failed to insert stream: %v", err)
	}
	image := &catalog.Image{
		StreamID:  stream.ID,
		ProductID: "com.example:p1",
		Name:      "Example (amd64)",
		ImageType: catalog.ImageTypeMirrored,
		Status:    catalog.ImageStatusError,
	}
	image.Meta.Set("error", "Failed to download boot-kernel: boom")
	if err := catalog.InsertImage(ctx, ts.store.DB(), image); err != nil {
		t.Fatalf("failed to insert image: %v", err)
	}
	ftype := "boot-kernel"
	if err := catalog.InsertArtifact(ctx, ts.store.DB(), &catalog.Artifact{
		ImageID:      image.ID,
		Name:         "boot-kernel",
		Ftype:        &ftype,
		RelativePath: "stable/p1/boot-kernel",
	}); err != nil {
		t.Fatalf("failed to insert artifact: %v", err)
	}

	resp, body := ts.get(t, "/api/images")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, body)
	}
	var list api.ImageList
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(list.Items) != 1 {
		t.Fatalf("expected one image, got %d", len(list.Items))
	}
	got := list.Items[0]
	if got.StreamID != "com.example:stable:v1" || got.StreamPath != path {
		t.Errorf("unexpected stream fields %q %q", got.StreamID, got.StreamPath)
	}
	if got.StatusDetail == nil || *got.StatusDetail != "Failed to download boot-kernel: boom" {
		t.Errorf("unexpected status detail %v", got.StatusDetail)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0].DownloadURL != "/simplestreams/stable/p1/boot-kernel" {
		t.Errorf("unexpected artifacts %v", got.Artifacts)
	}
}

func TestDeleteImage(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	stream := &catalog.Stream{StreamID: "com.example:stable:v1"}
	if err := catalog.InsertStream(ctx, ts.store.DB(), stream); err != nil {
		t.Fatalf("failed to insert stream: %v", err)
	}
	image := &catalog.Image{StreamID: stream.ID, ProductID: "com.example:p1", Name: "p1", ImageType: catalog.ImageTypeMirrored, Status: catalog.ImageStatusReady}
	if err := catalog.InsertImage(ctx, ts.store.DB(), image); err != nil {
		t.Fatalf("failed to insert image: %v", err)
	}

	req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/api/images/%d", ts.http.URL, image.ID), nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("failed to delete image: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}

	gone, err := catalog.GetImage(ctx, ts.store.DB(), image.ID)
	if err != nil {
		t.Fatalf("failed to look up image: %v", err)
	}
	if gone != nil {
		t.Error("expected the image row to be deleted")
	}
}

func multipartBody(t *testing.T, fields map[string]string, files map[string]string) (string, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write field %s: %v", key, err)
		}
	}
	for key, content := range files {
		part, err := writer.CreateFormFile(key, key)
		if err != nil {
			t.Fatalf("failed to create file part %s: %v", key, err)
		}
		if _, err := part.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write file part %s: %v", key, err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to finish multipart body: %v", err)
	}
	return writer.FormDataContentType(), &buf
}

func TestCreateCustomImage(t *testing.T) {
	ts := newTestServer(t)

	contentType, body := multipartBody(t,
		map[string]string{"name": "My Image", "release": "24.04", "version": "1.0", "arch": "amd64"},
		map[string]string{"kernel": "kernel-bytes"},
	)
	resp, err := http.Post(ts.http.URL+"/api/custom/images", contentType, body)
	if err != nil {
		t.Fatalf("failed to POST: %v", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, raw)
	}
	var image api.ImageOut
	if err := json.Unmarshal(raw, &image); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if image.ProductID != "com.local.maas.custom:v3:my-image:24.04:1.0:amd64" {
		t.Errorf("unexpected product id %q", image.ProductID)
	}
	if image.Status != catalog.ImageStatusReady || image.ImageType != catalog.ImageTypeCustom {
		t.Errorf("unexpected status/type %q/%q", image.Status, image.ImageType)
	}
	if len(image.Artifacts) != 1 || image.Artifacts[0].Name != "boot-kernel" {
		t.Fatalf("unexpected artifacts %v", image.Artifacts)
	}
	stored, err := os.ReadFile(filepath.Join(ts.root, filepath.FromSlash(image.Artifacts[0].RelativePath)))
	if err != nil {
		t.Fatalf("failed to read stored artifact: %v", err)
	}
	if string(stored) != "kernel-bytes" {
		t.Errorf("unexpected stored bytes %q", stored)
	}
}

func TestCreateCustomImageValidation(t *testing.T) {
	ts := newTestServer(t)

	// Missing required fields fail before anything is stored.
	contentType, body := multipartBody(t,
		map[string]string{"release": "24.04", "version": "1.0", "arch": "amd64"},
		map[string]string{"kernel": "kernel-bytes"},
	)
	resp, err := http.Post(ts.http.URL+"/api/custom/images", contentType, body)
	if err != nil {
		t.Fatalf("failed to POST: %v", err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, raw)
	}
	if !strings.Contains(string(raw), "required") {
		t.Errorf("unexpected error body %q", raw)
	}
}

func TestUpstreamBrowseRequiresIndexURL(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.get(t, "/api/upstream/streams")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unexpected status %d", resp.StatusCode)
	}
	resp, _ = ts.get(t, "/api/upstream/streams/com.example:v1/products")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unexpected status %d", resp.StatusCode)
	}
}

func TestSimplestreamInfoAndTree(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.get(t, "/api/simplestream")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if payload["index"] != "/simplestreams/streams/v1/index.json" {
		t.Errorf("unexpected payload %v", payload)
	}

	// The published tree is served verbatim from the storage root.
	if err := os.MkdirAll(filepath.Join(ts.root, "streams", "v1"), 0o755); err != nil {
		t.Fatalf("failed to create tree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ts.root, "streams", "v1", "index.json"), []byte(`{"format":"index:1.0"}`), 0o644); err != nil {
		t.Fatalf("failed to write index: %v", err)
	}
	resp, body = ts.get(t, "/simplestreams/streams/v1/index.json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if string(body) != `{"format":"index:1.0"}` {
		t.Errorf("unexpected tree bytes %q", body)
	}
}

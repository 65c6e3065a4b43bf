package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/simplestreams/mirror/pkg/api"
	"github.com/simplestreams/mirror/pkg/sstream"
)

func strPtr(s string) *string {
	return &s
}

func TestFetchIndex(t *testing.T) {
	testCases := []struct {
		name        string
		status      int
		raw         string
		expected    *sstream.Index
		expectedErr string
	}{
		{
			name:   "fetches and parses the index",
			status: http.StatusOK,
			raw: `{
  "format": "index:1.0",
  "index": {
    "com.example:stable:download": {
      "datatype": "image-ids",
      "format": "products:1.0",
      "path": "streams/v1/com.example:stable:download.json",
      "products": ["ex:stable:a"],
      "updated": "Mon, 02 Jun 2025 09:00:00 +0000"
    }
  },
  "updated": "Mon, 02 Jun 2025 09:00:00 +0000"
}`,
			expected: &sstream.Index{
				Format: "index:1.0",
				Index: map[string]sstream.IndexEntry{
					"com.example:stable:download": {
						Datatype: "image-ids",
						Format:   "products:1.0",
						Path:     "streams/v1/com.example:stable:download.json",
						Products: []string{"ex:stable:a"},
						Updated:  "Mon, 02 Jun 2025 09:00:00 +0000",
					},
				},
				Updated: "Mon, 02 Jun 2025 09:00:00 +0000",
			},
		},
		{
			name:        "non-200 response is an error",
			status:      http.StatusNotFound,
			raw:         "nothing here",
			expectedErr: "got unexpected http 404 status code",
		},
		{
			name:        "malformed document is an error",
			status:      http.StatusOK,
			raw:         `{"index":`,
			expectedErr: "failed to unmarshal response",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Accept") != "application/json" {
					t.Error("did not get correct accept header")
				}
				if r.Header.Get("User-Agent") != "Simplestream-Mirror/1.0" {
					t.Errorf("did not get correct user agent: %s", r.Header.Get("User-Agent"))
				}
				w.WriteHeader(testCase.status)
				if _, err := w.Write([]byte(testCase.raw)); err != nil {
					t.Errorf("failed to write data: %v", err)
				}
			}))
			defer testServer.Close()
			client := NewClient(testServer.Client(), "Simplestream-Mirror/1.0")
			actual, err := client.FetchIndex(context.Background(), testServer.URL+"/streams/v1/index.json")
			if testCase.expectedErr != "" {
				if err == nil {
					t.Fatal("expected an error but got none")
				}
				if !strings.Contains(err.Error(), testCase.expectedErr) {
					t.Errorf("got incorrect error: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error but got one: %v", err)
			}
			if diff := cmp.Diff(testCase.expected, actual); diff != "" {
				t.Errorf("returned index differs from expected: %s", diff)
			}
		})
	}
}

func TestListStreams(t *testing.T) {
	testCases := []struct {
		name        string
		raw         string
		expected    func(indexURL string) []api.UpstreamStream
		expectedErr string
	}{
		{
			name: "streams are sorted and defaulted",
			raw: `{
  "format": "index:1.0",
  "index": {
    "com.example:stable:download": {
      "datatype": "image-downloads",
      "format": "products:1.0",
      "path": "streams/v1/com.example:stable:download.json",
      "products": ["ex:stable:a", "ex:stable:b"]
    },
    "com.example:beta:download": {
      "path": "streams/v1/com.example:beta:download.json",
      "products": ["ex:beta:p"],
      "updated": "Mon, 02 Jun 2025 09:00:00 +0000"
    }
  },
  "updated": "Mon, 02 Jun 2025 09:00:00 +0000"
}`,
			expected: func(indexURL string) []api.UpstreamStream {
				return []api.UpstreamStream{
					{
						StreamID:       "com.example:beta:download",
						Path:           "streams/v1/com.example:beta:download.json",
						Datatype:       "image-ids",
						Format:         "products:1.0",
						Products:       []string{"ex:beta:p"},
						Updated:        strPtr("Mon, 02 Jun 2025 09:00:00 +0000"),
						OriginIndexURL: indexURL,
					},
					{
						StreamID:       "com.example:stable:download",
						Path:           "streams/v1/com.example:stable:download.json",
						Datatype:       "image-downloads",
						Format:         "products:1.0",
						Products:       []string{"ex:stable:a", "ex:stable:b"},
						OriginIndexURL: indexURL,
					},
				}
			},
		},
		{
			name:        "document without an index section is an error",
			raw:         `{"format": "index:1.0", "updated": "Mon, 02 Jun 2025 09:00:00 +0000"}`,
			expectedErr: "invalid simplestream index: missing 'index' key",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if _, err := w.Write([]byte(testCase.raw)); err != nil {
					t.Errorf("failed to write data: %v", err)
				}
			}))
			defer testServer.Close()
			client := NewClient(testServer.Client(), "Simplestream-Mirror/1.0")
			indexURL := testServer.URL + "/streams/v1/index.json"
			actual, err := client.ListStreams(context.Background(), indexURL)
			if testCase.expectedErr != "" {
				if err == nil {
					t.Fatal("expected an error but got none")
				}
				if !strings.Contains(err.Error(), testCase.expectedErr) {
					t.Errorf("got incorrect error: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected no error but got one: %v", err)
			}
			if diff := cmp.Diff(testCase.expected(indexURL), actual); diff != "" {
				t.Errorf("returned streams differ from expected: %s", diff)
			}
		})
	}
}

func TestListProducts(t *testing.T) {
	const indexDoc = `{
  "format": "index:1.0",
  "index": {
    "com.example:stable:download": {
      "datatype": "image-ids",
      "format": "products:1.0",
      "path": "streams/v1/com.example:stable:download.json",
      "products": ["ex:stable:a", "ex:stable:b", "ex:stable:c"]
    },
    "com.example:empty:download": {
      "datatype": "image-ids",
      "format": "products:1.0",
      "products": []
    }
  },
  "updated": "Mon, 02 Jun 2025 09:00:00 +0000"
}`
	const productsDoc = `{
  "content_id": "com.example:stable:download",
  "datatype": "image-ids",
  "format": "products:1.0",
  "products": {
    "ex:stable:a": {
      "arch": "amd64",
      "os": "ubuntu",
      "release": "noble",
      "release_title": "24.04 LTS",
      "subarch": "generic",
      "version": "24.04",
      "versions": {
        "20250610": {"items": {}},
        "20250401": {"items": {}}
      }
    },
    "ex:stable:b": {
      "arch": "arm64",
      "release": "jammy",
      "updated": "Thu, 12 Jun 2025 09:00:00 +0000",
      "versions": {
        "20250612": {"items": {}}
      }
    },
    "ex:stable:c": {
      "label": "daily"
    }
  },
  "updated": "Thu, 12 Jun 2025 09:00:00 +0000"
}`
	testServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/images/streams/v1/index.json":
			if _, err := w.Write([]byte(indexDoc)); err != nil {
				t.Errorf("failed to write data: %v", err)
			}
		case "/images/streams/v1/com.example:stable:download.json":
			if _, err := w.Write([]byte(productsDoc)); err != nil {
				t.Errorf("failed to write data: %v", err)
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer testServer.Close()
	client := NewClient(testServer.Client(), "Simplestream-Mirror/1.0")
	indexURL := testServer.URL + "/images/streams/v1/index.json"

	actual, err := client.ListProducts(context.Background(), indexURL, "com.example:stable:download")
	if err != nil {
		t.Fatalf("expected no error but got one: %v", err)
	}
	expected := []api.UpstreamProduct{
		{
			ProductID:      "ex:stable:b",
			Name:           "jammy arm64",
			StreamID:       "com.example:stable:download",
			StreamPath:     "streams/v1/com.example:stable:download.json",
			StreamUpdated:  strPtr("Thu, 12 Jun 2025 09:00:00 +0000"),
			OriginIndexURL: indexURL,
			Release:        strPtr("jammy"),
			Arch:           strPtr("arm64"),
			BuildID:        strPtr("20250612"),
		},
		{
			ProductID:      "ex:stable:a",
			Name:           "24.04 LTS amd64 (generic)",
			StreamID:       "com.example:stable:download",
			StreamPath:     "streams/v1/com.example:stable:download.json",
			OriginIndexURL: indexURL,
			OS:             strPtr("ubuntu"),
			Release:        strPtr("noble"),
			Version:        strPtr("24.04"),
			Arch:           strPtr("amd64"),
			Subarch:        strPtr("generic"),
			BuildID:        strPtr("20250610"),
		},
		{
			ProductID:      "ex:stable:c",
			Name:           "Unknown release unknown",
			StreamID:       "com.example:stable:download",
			StreamPath:     "streams/v1/com.example:stable:download.json",
			OriginIndexURL: indexURL,
			Label:          strPtr("daily"),
		},
	}
	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Errorf("returned products differ from expected: %s", diff)
	}

	if _, err := client.ListProducts(context.Background(), indexURL, "com.example:missing:download"); err == nil || !strings.Contains(err.Error(), `stream "com.example:missing:download" not found in index`) {
		t.Errorf("got incorrect error for a missing stream: %v", err)
	}
	if _, err := client.ListProducts(context.Background(), indexURL, "com.example:empty:download"); err == nil || !strings.Contains(err.Error(), `stream "com.example:empty:download" is missing a product path`) {
		t.Errorf("got incorrect error for a stream without a path: %v", err)
	}
}

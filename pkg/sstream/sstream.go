// Package sstream implements the simplestream catalog format: the
// streams/v1 index and products documents, the timestamp and URL
// conventions of the format, and an order-preserving JSON object for
// round-tripping upstream product metadata.
package sstream

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// FormatIndex identifies the top-level index document.
	FormatIndex = "index:1.0"
	// FormatProducts identifies a per-stream products document.
	FormatProducts = "products:1.0"
	// DatatypeImageIDs is the datatype of image product streams.
	DatatypeImageIDs = "image-ids"

	// IndexPath is where the index document lives relative to the tree root.
	IndexPath = "streams/v1/index.json"
)

// Index is the streams/v1/index.json document. Field order matches the
// serialized key order of the published tree.
type Index struct {
	Format  string                `json:"format"`
	Index   map[string]IndexEntry `json:"index"`
	Updated string                `json:"updated"`
}

// IndexEntry describes one stream inside an index document.
type IndexEntry struct {
	Datatype  string   `json:"datatype"`
	Format    string   `json:"format"`
	Path      string   `json:"path"`
	Products  []string `json:"products"`
	Updated   string   `json:"updated"`
	ContentID string   `json:"content_id"`
}

// Products is a per-stream products document.
type Products struct {
	Datatype  string             `json:"datatype"`
	Format    string             `json:"format"`
	Products  map[string]*Object `json:"products"`
	Updated   string             `json:"updated"`
	ContentID string             `json:"content_id"`
}

// timeLayout is RFC 1123 with a literal +0000 zone, the stamp format
// simplestream consumers expect. Times are always rendered in UTC, so
// the fixed literal is correct.
const timeLayout = "Mon, 02 Jan 2006 15:04:05 +0000"

// Timestamp renders t in the format used by the updated fields of
// published documents.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// RootBase derives the URL products and items are resolved against from
// an index URL: the path is truncated at the first "/streams/" segment
// and the remaining directory prefix keeps a trailing slash.
func RootBase(indexURL string) (string, error) {
	u, err := url.Parse(indexURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse index URL %q: %w", indexURL, err)
	}
	prefix, _, _ := strings.Cut(u.Path, "/streams/")
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	base := url.URL{Scheme: u.Scheme, Host: u.Host, Path: prefix}
	return base.String(), nil
}

// LatestVersion picks the version a mirror operates on: the one with
// the lexicographically greatest key, which sorts newest last for the
// date-serial identifiers the format uses. Returns "" and nil when no
// versions exist.
func LatestVersion(versions *Object) (string, *Object) {
	if versions == nil || versions.Len() == 0 {
		return "", nil
	}
	var latest string
	for i, key := range versions.Keys() {
		if i == 0 || key > latest {
			latest = key
		}
	}
	return latest, versions.GetObject(latest)
}

// Join resolves ref against base the way browsers resolve relative
// links, so document paths like streams/v1/stream.json combine with a
// root base into a fetchable URL.
func Join(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse base URL %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("failed to parse reference %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

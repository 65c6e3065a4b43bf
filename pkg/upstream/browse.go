package upstream

import (
	"context"
	"fmt"
	"sort"

	"github.com/simplestreams/mirror/pkg/api"
	"github.com/simplestreams/mirror/pkg/sstream"
)

// ListStreams returns the streams an upstream index advertises, sorted
// by stream id.
func (c *Client) ListStreams(ctx context.Context, indexURL string) ([]api.UpstreamStream, error) {
	index, err := c.FetchIndex(ctx, indexURL)
	if err != nil {
		return nil, err
	}
	if index.Index == nil {
		return nil, fmt.Errorf("invalid simplestream index: missing 'index' key")
	}
	streams := make([]api.UpstreamStream, 0, len(index.Index))
	for streamID, entry := range index.Index {
		streams = append(streams, api.UpstreamStream{
			StreamID:       streamID,
			Path:           entry.Path,
			Datatype:       valueOr(entry.Datatype, sstream.DatatypeImageIDs),
			Format:         valueOr(entry.Format, sstream.FormatProducts),
			Products:       append([]string{}, entry.Products...),
			Updated:        optionalString(entry.Updated),
			OriginIndexURL: indexURL,
		})
	}
	sort.Slice(streams, func(i, j int) bool { return streams[i].StreamID < streams[j].StreamID })
	return streams, nil
}

// ListProducts returns the products of one stream, newest build first
// with the product id as tie breaker.
func (c *Client) ListProducts(ctx context.Context, indexURL, streamID string) ([]api.UpstreamProduct, error) {
	index, err := c.FetchIndex(ctx, indexURL)
	if err != nil {
		return nil, err
	}
	if index.Index == nil {
		return nil, fmt.Errorf("invalid simplestream index: missing 'index' key")
	}
	entry, ok := index.Index[streamID]
	if !ok {
		return nil, fmt.Errorf("stream %q not found in index", streamID)
	}
	if entry.Path == "" {
		return nil, fmt.Errorf("stream %q is missing a product path", streamID)
	}

	rootBase, err := sstream.RootBase(indexURL)
	if err != nil {
		return nil, err
	}
	productsURL, err := sstream.Join(rootBase, entry.Path)
	if err != nil {
		return nil, err
	}
	doc, err := c.FetchProducts(ctx, productsURL)
	if err != nil {
		return nil, err
	}

	products := make([]api.UpstreamProduct, 0, len(doc.Products))
	for productID, meta := range doc.Products {
		if meta == nil {
			continue
		}
		latestKey, _ := sstream.LatestVersion(meta.GetObject("versions"))
		products = append(products, api.UpstreamProduct{
			ProductID:      productID,
			Name:           productName(meta),
			StreamID:       streamID,
			StreamPath:     entry.Path,
			StreamUpdated:  metaString(meta, "updated"),
			OriginIndexURL: indexURL,
			OS:             metaString(meta, "os"),
			Release:        metaString(meta, "release"),
			Version:        metaString(meta, "version"),
			Arch:           metaString(meta, "arch"),
			Subarch:        metaString(meta, "subarch"),
			Label:          metaString(meta, "label"),
			Kflavor:        metaString(meta, "kflavor"),
			Krel:           metaString(meta, "krel"),
			BuildID:        optionalString(latestKey),
		})
	}
	sort.Slice(products, func(i, j int) bool {
		bi, bj := stringOr(products[i].BuildID), stringOr(products[j].BuildID)
		if bi != bj {
			return bi > bj
		}
		return products[i].ProductID > products[j].ProductID
	})
	return products, nil
}

// productName labels a product for humans, e.g. "Ubuntu 24.04 LTS amd64 (ga-24.04)".
func productName(meta *sstream.Object) string {
	title := meta.GetString("release_title")
	if title == "" {
		title = meta.GetString("release")
	}
	if title == "" {
		title = "Unknown release"
	}
	arch := meta.GetString("arch")
	if arch == "" {
		arch = "unknown"
	}
	if subarch := meta.GetString("subarch"); subarch != "" {
		return fmt.Sprintf("%s %s (%s)", title, arch, subarch)
	}
	return fmt.Sprintf("%s %s", title, arch)
}

func metaString(meta *sstream.Object, key string) *string {
	if v, ok := meta.Get(key); ok {
		if s, ok := v.(string); ok {
			return &s
		}
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

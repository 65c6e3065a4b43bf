// Package publish renders the local simplestream tree (the streams/v1
// index and one products document per stream) from catalog state. Every
// rebuild overwrites the previous tree; nothing is patched in place.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/simplestreams/mirror/pkg/catalog"
	"github.com/simplestreams/mirror/pkg/sstream"
)

// Publisher writes the published tree under a storage root.
type Publisher struct {
	store *catalog.Store
	root  string
	now   func() time.Time
}

// New returns a publisher rendering under root.
func New(store *catalog.Store, root string) *Publisher {
	return &Publisher{store: store, root: root, now: time.Now}
}

// Rebuild regenerates the whole tree from the current catalog state.
// The snapshot is taken in one transaction; file writes happen outside
// it. Only ready images are published: an image that is mirroring or
// errored keeps its catalog row but never reaches the tree.
func (p *Publisher) Rebuild(ctx context.Context) error {
	var streams []catalog.Stream
	err := p.store.InTx(ctx, func(tx *sqlx.Tx) error {
		var loadErr error
		streams, loadErr = catalog.LoadTree(ctx, tx)
		return loadErr
	})
	if err != nil {
		return fmt.Errorf("failed to snapshot catalog: %w", err)
	}

	updated := sstream.Timestamp(p.now())
	index := sstream.Index{
		Format:  sstream.FormatIndex,
		Index:   map[string]sstream.IndexEntry{},
		Updated: updated,
	}

	for _, stream := range streams {
		if len(stream.Images) == 0 {
			continue
		}
		if stream.Path == nil || *stream.Path == "" {
			logrus.WithField("stream", stream.StreamID).Warn("Stream has no products path, skipping publication")
			continue
		}

		ready := make([]catalog.Image, 0, len(stream.Images))
		productIDs := make([]string, 0, len(stream.Images))
		for _, image := range stream.Images {
			if image.Status != catalog.ImageStatusReady {
				continue
			}
			ready = append(ready, image)
			productIDs = append(productIDs, image.ProductID)
		}
		sort.Strings(productIDs)

		index.Index[stream.StreamID] = sstream.IndexEntry{
			Datatype:  stringOr(stream.Datatype, ""),
			Format:    stringOr(stream.Format, ""),
			Path:      *stream.Path,
			Products:  productIDs,
			Updated:   updated,
			ContentID: stream.StreamID,
		}
		if err := p.writeProducts(stream, ready, updated); err != nil {
			return err
		}
	}

	if err := p.writeJSON(sstream.IndexPath, index); err != nil {
		return err
	}
	return nil
}

func (p *Publisher) writeProducts(stream catalog.Stream, images []catalog.Image, updated string) error {
	doc := sstream.Products{
		Datatype:  sstream.DatatypeImageIDs,
		Format:    sstream.FormatProducts,
		Products:  map[string]*sstream.Object{},
		Updated:   updated,
		ContentID: stream.StreamID,
	}

	for _, image := range images {
		entry := image.Meta.Copy()
		if entry.Len() == 0 {
			continue
		}
		entry.SetDefault("os", anyString(image.OS))
		entry.SetDefault("release", anyString(image.Release))
		entry.SetDefault("version", anyString(image.Version))
		entry.SetDefault("arch", anyString(image.Arch))
		entry.SetDefault("subarch", anyString(image.Subarch))
		entry.SetDefault("label", anyString(image.Label))
		entry.SetDefault("kflavor", anyString(image.Kflavor))
		entry.SetDefault("krel", anyString(image.Krel))
		overrideItems(entry, image.Artifacts)
		entry.StripNulls()
		doc.Products[image.ProductID] = entry
	}

	return p.writeJSON(*stream.Path, doc)
}

// overrideItems makes the artifact rows authoritative over whatever the
// stored meta claims: the row's relative path always wins, checksum and
// size win when the row has them.
func overrideItems(entry *sstream.Object, artifacts []catalog.Artifact) {
	versions := entry.GetObject("versions")
	if versions == nil {
		return
	}
	for _, versionKey := range versions.Keys() {
		version := versions.GetObject(versionKey)
		if version == nil {
			continue
		}
		items := version.GetObject("items")
		if items == nil {
			items = sstream.NewObject()
			version.Set("items", items)
		}
		for _, artifact := range artifacts {
			item := items.GetObject(artifact.Name)
			if item == nil {
				continue
			}
			item.Set("path", artifact.RelativePath)
			if artifact.SHA256 != nil && *artifact.SHA256 != "" {
				item.Set("sha256", *artifact.SHA256)
			}
			if artifact.Size != nil && *artifact.Size != 0 {
				item.Set("size", *artifact.Size)
			}
		}
	}
}

func (p *Publisher) writeJSON(relativePath string, payload any) error {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", relativePath, err)
	}
	destination := filepath.Join(p.root, filepath.FromSlash(relativePath))
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", relativePath, err)
	}
	if err := os.WriteFile(destination, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", relativePath, err)
	}
	return nil
}

func stringOr(value *string, fallback string) string {
	if value == nil {
		return fallback
	}
	return *value
}

func anyString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

// Package mirror implements the product mirror engine: it resolves a
// product in an upstream simplestream index, downloads the artifacts
// of its latest version into local storage and promotes the result in
// the catalog, republishing the local tree either way.
package mirror

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/simplestreams/mirror/pkg/catalog"
	"github.com/simplestreams/mirror/pkg/publish"
	"github.com/simplestreams/mirror/pkg/sstream"
	"github.com/simplestreams/mirror/pkg/storage"
	"github.com/simplestreams/mirror/pkg/upstream"
)

// Engine mirrors single products out of upstream simplestream trees.
// It never retries; retrying a failed product is the operator's call
// and happens through a new mirror request.
type Engine struct {
	store       *catalog.Store
	upstream    *upstream.Client
	downloader  *storage.Downloader
	publisher   *publish.Publisher
	storageRoot string
}

// NewEngine returns an engine that stores artifact files under
// storageRoot and records results in store.
func NewEngine(store *catalog.Store, client *upstream.Client, downloader *storage.Downloader, publisher *publish.Publisher, storageRoot string) *Engine {
	return &Engine{
		store:       store,
		upstream:    client,
		downloader:  downloader,
		publisher:   publisher,
		storageRoot: storageRoot,
	}
}

// materialization is everything resolved from upstream metadata before
// the engine touches the catalog.
type materialization struct {
	indexURL    string
	rootBase    string
	streamID    string
	entry       sstream.IndexEntry
	productsURL string
	productID   string
	meta        *sstream.Object
	versionKey  string
	versionData *sstream.Object
}

// MirrorProduct mirrors the latest version of productID from the index
// at indexURL and returns the id of the resulting image row. The local
// tree is republished on success and on failure, so consumers never
// see a half-mirrored product.
func (e *Engine) MirrorProduct(ctx context.Context, indexURL, productID string) (int64, error) {
	index, err := e.upstream.FetchIndex(ctx, indexURL)
	if err != nil {
		return 0, WrapError(ReasonUpstream, err, "Failed to fetch upstream index: %v", err)
	}
	if len(index.Index) == 0 {
		return 0, NewError(ReasonUpstream, "Upstream index does not contain any streams")
	}
	streamID, entry, err := findStreamForProduct(index, productID)
	if err != nil {
		return 0, err
	}
	rootBase, err := sstream.RootBase(indexURL)
	if err != nil {
		return 0, WrapError(ReasonUpstream, err, "Failed to resolve index URL: %v", err)
	}
	productsURL, err := sstream.Join(rootBase, entry.Path)
	if err != nil {
		return 0, WrapError(ReasonUpstream, err, "Failed to resolve product path: %v", err)
	}
	products, err := e.upstream.FetchProducts(ctx, productsURL)
	if err != nil {
		return 0, WrapError(ReasonUpstream, err, "Failed to fetch product metadata: %v", err)
	}
	meta := products.Products[productID]
	if meta == nil || meta.Len() == 0 {
		return 0, NewError(ReasonUpstream, "Product metadata missing in upstream response")
	}
	versions := meta.GetObject("versions")
	if versions == nil || versions.Len() == 0 {
		return 0, NewError(ReasonUpstream, "No versions available")
	}
	versionKey, versionData := sstream.LatestVersion(versions)
	if versionData == nil || versionData.Len() == 0 {
		return 0, NewError(ReasonUpstream, "No version entries available for product")
	}
	if items := versionData.GetObject("items"); items == nil || items.Len() == 0 {
		return 0, NewError(ReasonUpstream, "No version entries available for product")
	}

	return e.materialize(ctx, materialization{
		indexURL:    indexURL,
		rootBase:    rootBase,
		streamID:    streamID,
		entry:       entry,
		productsURL: productsURL,
		productID:   productID,
		meta:        meta,
		versionKey:  versionKey,
		versionData: versionData,
	})
}

func (e *Engine) materialize(ctx context.Context, m materialization) (int64, error) {
	log := logrus.WithFields(logrus.Fields{"product": m.productID, "stream": m.streamID, "version": m.versionKey})
	log.Info("Mirroring product")

	entryCopy := buildEntryCopy(m.meta, m.versionKey, m.versionData)
	entryCopy.Set("status_detail", "Downloading artifacts")

	image := &catalog.Image{
		ProductID:        m.productID,
		Name:             deriveImageName(m.meta),
		ImageType:        catalog.ImageTypeMirrored,
		Status:           catalog.ImageStatusMirroring,
		OriginProductURL: &m.productsURL,
		OriginIndexURL:   &m.indexURL,
		OS:               metaColumn(m.meta, "os"),
		Release:          metaColumn(m.meta, "release"),
		Version:          metaColumn(m.meta, "version"),
		Arch:             metaColumn(m.meta, "arch"),
		Subarch:          metaColumn(m.meta, "subarch"),
		Label:            metaColumn(m.meta, "label"),
		Kflavor:          metaColumn(m.meta, "kflavor"),
		Krel:             metaColumn(m.meta, "krel"),
		BuildID:          &m.versionKey,
		Meta:             *entryCopy,
	}

	// The superseded image row goes away in the same transaction that
	// records the new one; its files are only removed once that commit
	// has stuck.
	var evictedFiles []string
	err := e.store.InTx(ctx, func(tx *sqlx.Tx) error {
		stream, err := e.upsertStream(ctx, tx, m.streamID, m.entry, m.indexURL)
		if err != nil {
			return err
		}
		existing, err := catalog.GetImageForProduct(ctx, tx, stream.ID, m.productID)
		if err != nil {
			return err
		}
		if existing != nil {
			for _, artifact := range existing.Artifacts {
				evictedFiles = append(evictedFiles, filepath.Join(e.storageRoot, filepath.FromSlash(artifact.RelativePath)))
			}
			if err := catalog.DeleteImage(ctx, tx, existing.ID); err != nil {
				return err
			}
		}
		image.StreamID = stream.ID
		return catalog.InsertImage(ctx, tx, image)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to record image for %s: %w", m.productID, err)
	}
	for _, path := range evictedFiles {
		if err := storage.SafeRemove(path); err != nil {
			log.WithError(err).WithField("path", path).Warn("Failed to remove superseded artifact file")
		}
	}

	items := m.versionData.GetObject("items")
	mirroredItems := entryCopy.GetObject("versions").GetObject(m.versionKey).GetObject("items")
	var artifacts []catalog.Artifact
	for _, itemName := range items.Keys() {
		itemMeta := items.GetObject(itemName)
		relativePath := ""
		if itemMeta != nil {
			relativePath = itemMeta.GetString("path")
		}
		if relativePath == "" {
			return e.fail(ctx, log, image.ID, entryCopy, NewError(ReasonUpstream, "Item %q missing path", itemName))
		}
		downloadURL, err := sstream.Join(m.rootBase, relativePath)
		if err != nil {
			return e.fail(ctx, log, image.ID, entryCopy, WrapError(ReasonUpstream, err, "Item %q has an unusable path: %v", itemName, err))
		}
		destination := filepath.Join(e.storageRoot, filepath.FromSlash(relativePath))

		size, digest, err := e.downloader.DownloadWithHash(ctx, downloadURL, destination)
		if err != nil {
			if removeErr := storage.SafeRemove(destination); removeErr != nil {
				log.WithError(removeErr).WithField("path", destination).Warn("Failed to remove partial download")
			}
			entryCopy.Set("status_detail", fmt.Sprintf("Failed to download %s: %v", itemName, err))
			return e.fail(ctx, log, image.ID, entryCopy, WrapError(ReasonDownload, err, "Failed to download %s: %v", itemName, err))
		}

		localMeta := itemMeta.Copy()
		localMeta.Set("path", relativePath)
		localMeta.Set("size", size)
		localMeta.Set("sha256", digest)
		mirroredItems.Set(itemName, localMeta)

		ftype := itemMeta.GetString("ftype")
		if ftype == "" {
			ftype = itemName
		}
		artifacts = append(artifacts, catalog.Artifact{
			Name:         itemName,
			Ftype:        &ftype,
			RelativePath: relativePath,
			Size:         &size,
			SHA256:       &digest,
			SourceURL:    &downloadURL,
		})
	}

	entryCopy.Delete("status_detail")
	err = e.store.InTx(ctx, func(tx *sqlx.Tx) error {
		stored, err := catalog.GetImage(ctx, tx, image.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("image %d disappeared while mirroring", image.ID)
		}
		stored.Status = catalog.ImageStatusReady
		stored.Meta = *entryCopy
		if err := catalog.UpdateImage(ctx, tx, stored); err != nil {
			return err
		}
		for i := range artifacts {
			artifacts[i].ImageID = image.ID
			if err := catalog.InsertArtifact(ctx, tx, &artifacts[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return e.fail(ctx, log, image.ID, entryCopy, fmt.Errorf("failed to promote image for %s: %w", m.productID, err))
	}

	if err := e.publisher.Rebuild(ctx); err != nil {
		return 0, fmt.Errorf("failed to republish stream tree: %w", err)
	}
	log.WithField("image", image.ID).WithField("artifacts", len(artifacts)).Info("Mirrored product")
	return image.ID, nil
}

// fail records the failure on the image row, republishes the tree so
// the broken product drops out of it, and returns the original error.
func (e *Engine) fail(ctx context.Context, log *logrus.Entry, imageID int64, entryCopy *sstream.Object, failure error) (int64, error) {
	log.WithError(failure).Warn("Mirroring failed")
	entryCopy.Delete("status_detail")
	entryCopy.Set("error", failure.Error())
	err := e.store.InTx(ctx, func(tx *sqlx.Tx) error {
		stored, err := catalog.GetImage(ctx, tx, imageID)
		if err != nil {
			return err
		}
		if stored == nil {
			return nil
		}
		stored.Status = catalog.ImageStatusError
		stored.Meta = *entryCopy
		return catalog.UpdateImage(ctx, tx, stored)
	})
	if err != nil {
		log.WithError(err).Error("Failed to record mirror failure")
	}
	if err := e.publisher.Rebuild(ctx); err != nil {
		log.WithError(err).Error("Failed to republish stream tree after mirror failure")
	}
	return 0, failure
}

func (e *Engine) upsertStream(ctx context.Context, tx *sqlx.Tx, streamID string, entry sstream.IndexEntry, indexURL string) (*catalog.Stream, error) {
	stream, err := catalog.GetStreamByStreamID(ctx, tx, streamID)
	if err != nil {
		return nil, err
	}
	if stream != nil {
		if entry.Path != "" {
			stream.Path = &entry.Path
		}
		if entry.Datatype != "" {
			stream.Datatype = &entry.Datatype
		}
		if entry.Format != "" {
			stream.Format = &entry.Format
		}
		stream.SourceIndexURL = &indexURL
		if err := catalog.UpdateStream(ctx, tx, stream); err != nil {
			return nil, err
		}
		return stream, nil
	}
	datatype := entry.Datatype
	if datatype == "" {
		datatype = sstream.DatatypeImageIDs
	}
	format := entry.Format
	if format == "" {
		format = sstream.FormatProducts
	}
	stream = &catalog.Stream{
		StreamID:       streamID,
		Datatype:       &datatype,
		Format:         &format,
		SourceIndexURL: &indexURL,
	}
	if entry.Path != "" {
		stream.Path = &entry.Path
	}
	if err := catalog.InsertStream(ctx, tx, stream); err != nil {
		return nil, err
	}
	return stream, nil
}

// findStreamForProduct returns the first stream, by sorted stream id,
// whose product list carries productID.
func findStreamForProduct(index *sstream.Index, productID string) (string, sstream.IndexEntry, error) {
	streamIDs := make([]string, 0, len(index.Index))
	for streamID := range index.Index {
		streamIDs = append(streamIDs, streamID)
	}
	sort.Strings(streamIDs)
	for _, streamID := range streamIDs {
		entry := index.Index[streamID]
		if sets.New[string](entry.Products...).Has(productID) {
			return streamID, entry, nil
		}
	}
	return "", sstream.IndexEntry{}, NewError(ReasonUpstream, "Product %q not present in upstream index", productID)
}

// buildEntryCopy assembles the image meta recorded before downloads
// start: the product entry with a single version whose items are empty
// until each download lands.
func buildEntryCopy(meta *sstream.Object, versionKey string, versionData *sstream.Object) *sstream.Object {
	entry := meta.Copy()
	entry.Delete("versions")
	versionCopy := versionData.Copy()
	versionCopy.Set("items", sstream.NewObject())
	versions := sstream.NewObject()
	versions.Set(versionKey, versionCopy)
	entry.Set("versions", versions)
	return entry
}

func deriveImageName(meta *sstream.Object) string {
	title := meta.GetString("release_title")
	if title == "" {
		title = meta.GetString("label")
	}
	if title == "" {
		title = "Image"
	}
	if arch := meta.GetString("arch"); arch != "" {
		return fmt.Sprintf("%s (%s)", title, arch)
	}
	return title
}

func metaColumn(meta *sstream.Object, key string) *string {
	if v, ok := meta.Get(key); ok {
		if s, ok := v.(string); ok {
			return &s
		}
	}
	return nil
}

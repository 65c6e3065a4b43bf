// Package custom materializes operator-uploaded images in the catalog.
// Custom images skip the mirror queue entirely: their artifacts arrive
// as upload streams, land under custom/<product_id>/ and are ready the
// moment the upload is stored. The publisher treats them exactly like
// mirrored images.
package custom

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/simplestreams/mirror/pkg/catalog"
	"github.com/simplestreams/mirror/pkg/publish"
	"github.com/simplestreams/mirror/pkg/sstream"
	"github.com/simplestreams/mirror/pkg/storage"
)

const (
	// StreamID is the fixed stream all custom images publish under.
	StreamID = "com.local.maas:custom:download"
	// StreamPath is where the custom stream's products document lives.
	StreamPath = "streams/v1/com.local.maas:custom:download.json"

	// productIDPrefix and productIDScheme head every custom product id.
	productIDPrefix = "com.local.maas.custom"
	productIDScheme = "v3"
)

// uploadKinds maps upload form fields to item names and stored
// filenames, in the order items appear in published metadata.
var uploadKinds = []struct {
	kind     string
	itemName string
	filename string
}{
	{"kernel", "boot-kernel", "boot-kernel"},
	{"initrd", "boot-initrd", "boot-initrd"},
	{"rootfs", "squashfs", "squashfs"},
	{"manifest", "manifest", "squashfs.manifest"},
}

// Error is a rejected custom image request. It always means the caller
// sent something unusable; nothing was changed.
type Error struct {
	message string
}

// Error makes an Error an error.
func (e *Error) Error() string {
	return e.message
}

// Is reports whether target is an Error.
func (e *Error) Is(target error) bool {
	_, is := target.(*Error)
	return is
}

func newError(format string, args ...interface{}) error {
	return &Error{message: fmt.Sprintf(format, args...)}
}

// Request describes one custom image to create. Name, Release, Version
// and Arch are required; everything else is optional. Uploads is keyed
// by upload kind (kernel, initrd, rootfs, manifest).
type Request struct {
	Name            string
	OS              string
	Release         string
	Version         string
	Arch            string
	Label           string
	Subarch         string
	Description     string
	Kflavor         string
	Krel            string
	ReleaseCodename string
	Subarches       string

	Uploads map[string]io.Reader
}

// Service creates and deletes custom images.
type Service struct {
	store       *catalog.Store
	publisher   *publish.Publisher
	storageRoot string
	now         func() time.Time
}

// NewService returns a service storing uploads under storageRoot.
func NewService(store *catalog.Store, publisher *publish.Publisher, storageRoot string) *Service {
	return &Service{store: store, publisher: publisher, storageRoot: storageRoot, now: time.Now}
}

// CreateImage validates req, stores its uploads and records a ready
// image in the custom stream, evicting any predecessor with the same
// product id. The tree is republished before it returns.
func (s *Service) CreateImage(ctx context.Context, req Request) (int64, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.OS = strings.TrimSpace(req.OS)
	req.Release = strings.TrimSpace(req.Release)
	req.Version = strings.TrimSpace(req.Version)
	req.Arch = strings.TrimSpace(req.Arch)
	req.Label = strings.TrimSpace(req.Label)
	req.Subarch = strings.TrimSpace(req.Subarch)
	req.Description = strings.TrimSpace(req.Description)
	req.Kflavor = strings.TrimSpace(req.Kflavor)
	req.Krel = strings.TrimSpace(req.Krel)
	req.ReleaseCodename = strings.TrimSpace(req.ReleaseCodename)

	if len(req.Uploads) == 0 {
		return 0, newError("At least one artifact must be provided")
	}
	if _, ok := req.Uploads["rootfs"]; ok {
		if _, ok := req.Uploads["manifest"]; !ok {
			return 0, newError("Upload the matching manifest alongside the root filesystem")
		}
	}
	for kind := range req.Uploads {
		if !supportedKind(kind) {
			return 0, newError("Unsupported artifact type %q", kind)
		}
	}
	if req.Name == "" || req.Release == "" || req.Version == "" || req.Arch == "" {
		return 0, newError("Name, release, version, and arch are required")
	}

	productID := deriveProductID(req)
	buildID := s.now().UTC().Format("20060102150405")
	log := logrus.WithFields(logrus.Fields{"product": productID, "build": buildID})

	// The predecessor row goes away before the new uploads land so its
	// files cannot shadow them.
	var evictedFiles []string
	var streamRowID int64
	err := s.store.InTx(ctx, func(tx *sqlx.Tx) error {
		stream, err := s.ensureStream(ctx, tx)
		if err != nil {
			return err
		}
		streamRowID = stream.ID
		existing, err := catalog.GetImageForProduct(ctx, tx, stream.ID, productID)
		if err != nil {
			return err
		}
		if existing != nil {
			for _, artifact := range existing.Artifacts {
				evictedFiles = append(evictedFiles, filepath.Join(s.storageRoot, filepath.FromSlash(artifact.RelativePath)))
			}
			if err := catalog.DeleteImage(ctx, tx, existing.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to evict predecessor of %s: %w", productID, err)
	}
	for _, path := range evictedFiles {
		if err := storage.SafeRemove(path); err != nil {
			log.WithError(err).WithField("path", path).Warn("Failed to remove superseded artifact file")
		}
	}

	versionEntry := sstream.NewObject()
	items := sstream.NewObject()
	versionEntry.Set("items", items)
	if req.Description != "" {
		versionEntry.Set("description", req.Description)
	}

	var artifacts []catalog.Artifact
	var written []string
	for _, kind := range uploadKinds {
		upload, ok := req.Uploads[kind.kind]
		if !ok || upload == nil {
			continue
		}
		relativePath := fmt.Sprintf("custom/%s/%s", productID, kind.filename)
		destination := filepath.Join(s.storageRoot, filepath.FromSlash(relativePath))
		size, digest, err := storage.SaveUpload(upload, destination)
		if err != nil {
			for _, path := range append(written, destination) {
				if removeErr := storage.SafeRemove(path); removeErr != nil {
					log.WithError(removeErr).WithField("path", path).Warn("Failed to remove partial upload")
				}
			}
			return 0, fmt.Errorf("failed to store %s upload: %w", kind.kind, err)
		}
		written = append(written, destination)

		itemMeta := sstream.NewObject()
		itemMeta.Set("ftype", kind.itemName)
		itemMeta.Set("path", relativePath)
		itemMeta.Set("size", size)
		itemMeta.Set("sha256", digest)
		items.Set(kind.itemName, itemMeta)

		ftype := kind.itemName
		artifacts = append(artifacts, catalog.Artifact{
			Name:         kind.itemName,
			Ftype:        &ftype,
			RelativePath: relativePath,
			Size:         &size,
			SHA256:       &digest,
		})
	}
	if items.Len() == 0 {
		return 0, newError("No valid artifacts uploaded")
	}

	label := req.Label
	if label == "" {
		label = "custom"
	}
	origin := "local"
	image := &catalog.Image{
		StreamID:       streamRowID,
		ProductID:      productID,
		Name:           req.Name,
		ImageType:      catalog.ImageTypeCustom,
		Status:         catalog.ImageStatusReady,
		OriginIndexURL: &origin,
		OS:             optional(req.OS),
		Release:        &req.Release,
		Version:        &req.Version,
		Arch:           &req.Arch,
		Subarch:        optional(req.Subarch),
		Label:          &label,
		Kflavor:        optional(req.Kflavor),
		Krel:           optional(req.Krel),
		BuildID:        &buildID,
		Meta:           *buildMeta(req, label, buildID, versionEntry),
	}
	err = s.store.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := catalog.InsertImage(ctx, tx, image); err != nil {
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
		return 0, fmt.Errorf("failed to record custom image %s: %w", productID, err)
	}

	if err := s.publisher.Rebuild(ctx); err != nil {
		return 0, fmt.Errorf("failed to republish stream tree: %w", err)
	}
	log.WithField("image", image.ID).WithField("artifacts", len(artifacts)).Info("Created custom image")
	return image.ID, nil
}

// DeleteImage removes an image of either type, its artifact rows and
// their files, then republishes the tree. A missing image is a no-op.
func (s *Service) DeleteImage(ctx context.Context, imageID int64) error {
	var files []string
	err := s.store.InTx(ctx, func(tx *sqlx.Tx) error {
		image, err := catalog.GetImage(ctx, tx, imageID)
		if err != nil {
			return err
		}
		if image == nil {
			return nil
		}
		for _, artifact := range image.Artifacts {
			files = append(files, filepath.Join(s.storageRoot, filepath.FromSlash(artifact.RelativePath)))
		}
		return catalog.DeleteImage(ctx, tx, image.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to delete image %d: %w", imageID, err)
	}
	for _, path := range files {
		if err := storage.SafeRemove(path); err != nil {
			logrus.WithError(err).WithField("path", path).Warn("Failed to remove artifact file")
		}
	}
	if err := s.publisher.Rebuild(ctx); err != nil {
		return fmt.Errorf("failed to republish stream tree: %w", err)
	}
	return nil
}

func (s *Service) ensureStream(ctx context.Context, tx *sqlx.Tx) (*catalog.Stream, error) {
	stream, err := catalog.GetStreamByStreamID(ctx, tx, StreamID)
	if err != nil {
		return nil, err
	}
	if stream != nil {
		return stream, nil
	}
	path := StreamPath
	datatype := sstream.DatatypeImageIDs
	format := sstream.FormatProducts
	source := "local"
	stream = &catalog.Stream{
		StreamID:       StreamID,
		Path:           &path,
		Datatype:       &datatype,
		Format:         &format,
		SourceIndexURL: &source,
	}
	if err := catalog.InsertStream(ctx, tx, stream); err != nil {
		return nil, err
	}
	return stream, nil
}

// deriveProductID builds ids like
// com.local.maas.custom:v3:my-image:24.04:amd64. The version segment is
// dropped when another segment already carries it.
func deriveProductID(req Request) string {
	slug := Slugify(req.Name)
	if slug == "" {
		slug = Slugify(req.Release + "-" + req.Version)
	}
	if slug == "" {
		slug = req.Arch
	}

	segments := []string{productIDPrefix, productIDScheme, slug}
	release := segment(req.Release)
	if release == "" {
		release = "custom"
	}
	segments = append(segments, release)
	if version := segment(req.Version); version != "" && !contains(segments, version) {
		segments = append(segments, version)
	}
	arch := segment(req.Arch)
	if arch == "" {
		arch = "unknown"
	}
	segments = append(segments, arch)
	if subarch := segment(req.Subarch); subarch != "" {
		segments = append(segments, subarch)
	}
	return strings.Join(segments, ":")
}

func buildMeta(req Request, label, buildID string, versionEntry *sstream.Object) *sstream.Object {
	meta := sstream.NewObject()
	if req.OS != "" {
		meta.Set("os", req.OS)
	}
	meta.Set("release", req.Release)
	meta.Set("release_title", req.Release)
	meta.Set("version", req.Version)
	meta.Set("label", label)
	meta.Set("arch", req.Arch)
	if req.Subarch != "" {
		meta.Set("subarch", req.Subarch)
	}
	if req.Kflavor != "" {
		meta.Set("kflavor", req.Kflavor)
	}
	if req.Krel != "" {
		meta.Set("krel", req.Krel)
	}
	versions := sstream.NewObject()
	versions.Set(buildID, versionEntry)
	meta.Set("versions", versions)
	if req.ReleaseCodename != "" {
		meta.Set("release_codename", req.ReleaseCodename)
	}
	if normalized := NormalizeSubarches(req.Subarches); normalized != "" {
		meta.Set("subarches", normalized)
	}
	return meta
}

func supportedKind(kind string) bool {
	for _, known := range uploadKinds {
		if known.kind == kind {
			return true
		}
	}
	return false
}

func segment(value string) string {
	return strings.ReplaceAll(strings.TrimSpace(value), " ", "-")
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// InsertImage stores a new image and fills in its ID and timestamps.
func InsertImage(ctx context.Context, ext sqlx.ExtContext, image *Image) error {
	image.CreatedAt = time.Now().UTC()
	image.UpdatedAt = image.CreatedAt
	res, err := sqlx.NamedExecContext(ctx, ext, `
		INSERT INTO images (
			stream_id, product_id, name, image_type, status,
			origin_product_url, origin_index_url,
			os, release, version, arch, subarch, label, kflavor, krel,
			build_id, meta, created_at, updated_at
		) VALUES (
			:stream_id, :product_id, :name, :image_type, :status,
			:origin_product_url, :origin_index_url,
			:os, :release, :version, :arch, :subarch, :label, :kflavor, :krel,
			:build_id, :meta, :created_at, :updated_at
		)`,
		image)
	if err != nil {
		return fmt.Errorf("failed to insert image for %s: %w", image.ProductID, err)
	}
	image.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read image id: %w", err)
	}
	return nil
}

// UpdateImage rewrites the mutable columns of an existing image.
func UpdateImage(ctx context.Context, ext sqlx.ExtContext, image *Image) error {
	image.UpdatedAt = time.Now().UTC()
	if _, err := sqlx.NamedExecContext(ctx, ext, `
		UPDATE images
		SET name = :name, image_type = :image_type, status = :status,
			origin_product_url = :origin_product_url, origin_index_url = :origin_index_url,
			os = :os, release = :release, version = :version, arch = :arch,
			subarch = :subarch, label = :label, kflavor = :kflavor, krel = :krel,
			build_id = :build_id, meta = :meta, updated_at = :updated_at
		WHERE id = :id`,
		image); err != nil {
		return fmt.Errorf("failed to update image %d: %w", image.ID, err)
	}
	return nil
}

// DeleteImage removes an image; its artifacts go with it via the
// foreign key cascade.
func DeleteImage(ctx context.Context, ext sqlx.ExtContext, id int64) error {
	if _, err := ext.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete image %d: %w", id, err)
	}
	return nil
}

// GetImage returns the image with the given ID, artifacts attached, or
// nil when none exists.
func GetImage(ctx context.Context, ext sqlx.ExtContext, id int64) (*Image, error) {
	var image Image
	err := sqlx.GetContext(ctx, ext, &image, `SELECT * FROM images WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load image %d: %w", id, err)
	}
	images := []Image{image}
	if err := attachArtifacts(ctx, ext, images); err != nil {
		return nil, err
	}
	return &images[0], nil
}

// GetImageForProduct returns the stream's image for a product,
// artifacts attached, or nil when none exists.
func GetImageForProduct(ctx context.Context, ext sqlx.ExtContext, streamRowID int64, productID string) (*Image, error) {
	var image Image
	err := sqlx.GetContext(ctx, ext, &image,
		`SELECT * FROM images WHERE stream_id = ? AND product_id = ?`, streamRowID, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load image for %s: %w", productID, err)
	}
	images := []Image{image}
	if err := attachArtifacts(ctx, ext, images); err != nil {
		return nil, err
	}
	return &images[0], nil
}

// ListImages returns every image, newest first, artifacts attached.
func ListImages(ctx context.Context, ext sqlx.ExtContext) ([]Image, error) {
	var images []Image
	if err := sqlx.SelectContext(ctx, ext, &images, `SELECT * FROM images ORDER BY created_at DESC, id DESC`); err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	if err := attachArtifacts(ctx, ext, images); err != nil {
		return nil, err
	}
	return images, nil
}

// MirroringImageExists reports whether any stream currently holds an
// in-flight image for the product.
func MirroringImageExists(ctx context.Context, ext sqlx.ExtContext, productID string) (bool, error) {
	var count int
	err := sqlx.GetContext(ctx, ext, &count,
		`SELECT COUNT(*) FROM images WHERE product_id = ? AND status = ?`, productID, ImageStatusMirroring)
	if err != nil {
		return false, fmt.Errorf("failed to check mirroring images for %s: %w", productID, err)
	}
	return count > 0, nil
}

// InsertArtifact stores a new artifact row and fills in its ID and
// timestamps.
func InsertArtifact(ctx context.Context, ext sqlx.ExtContext, artifact *Artifact) error {
	artifact.CreatedAt = time.Now().UTC()
	artifact.UpdatedAt = artifact.CreatedAt
	res, err := sqlx.NamedExecContext(ctx, ext, `
		INSERT INTO artifacts (image_id, name, ftype, relative_path, size, sha256, source_url, created_at, updated_at)
		VALUES (:image_id, :name, :ftype, :relative_path, :size, :sha256, :source_url, :created_at, :updated_at)`,
		artifact)
	if err != nil {
		return fmt.Errorf("failed to insert artifact %s: %w", artifact.Name, err)
	}
	artifact.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read artifact id: %w", err)
	}
	return nil
}

func attachArtifacts(ctx context.Context, ext sqlx.ExtContext, images []Image) error {
	if len(images) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(images))
	for _, image := range images {
		ids = append(ids, image.ID)
	}
	query, args, err := sqlx.In(`SELECT * FROM artifacts WHERE image_id IN (?) ORDER BY name, id`, ids)
	if err != nil {
		return fmt.Errorf("failed to build artifact query: %w", err)
	}
	var artifacts []Artifact
	if err := sqlx.SelectContext(ctx, ext, &artifacts, ext.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to load artifacts: %w", err)
	}
	byImage := map[int64][]Artifact{}
	for _, artifact := range artifacts {
		byImage[artifact.ImageID] = append(byImage[artifact.ImageID], artifact)
	}
	for i := range images {
		images[i].Artifacts = byImage[images[i].ID]
	}
	return nil
}

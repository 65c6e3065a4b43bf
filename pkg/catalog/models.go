package catalog

import (
	"time"

	"github.com/simplestreams/mirror/pkg/sstream"
)

// Image lifecycle states.
const (
	ImageStatusMirroring = "mirroring"
	ImageStatusReady     = "ready"
	ImageStatusError     = "error"
)

// Image provenance.
const (
	ImageTypeMirrored = "mirrored"
	ImageTypeCustom   = "custom"
)

// Mirror job states.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Stream is one simplestream product stream, mirrored or local.
type Stream struct {
	ID             int64     `db:"id"`
	StreamID       string    `db:"stream_id"`
	Path           *string   `db:"path"`
	Datatype       *string   `db:"datatype"`
	Format         *string   `db:"format"`
	SourceIndexURL *string   `db:"source_index_url"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`

	// Images is populated by LoadTree and ignored by writes.
	Images []Image `db:"-"`
}

// Image is one product version held locally. Meta carries the
// republishable simplestream entry; the scalar columns exist for
// queries and serializers and may trail meta during a mirror.
type Image struct {
	ID               int64          `db:"id"`
	StreamID         int64          `db:"stream_id"`
	ProductID        string         `db:"product_id"`
	Name             string         `db:"name"`
	ImageType        string         `db:"image_type"`
	Status           string         `db:"status"`
	OriginProductURL *string        `db:"origin_product_url"`
	OriginIndexURL   *string        `db:"origin_index_url"`
	OS               *string        `db:"os"`
	Release          *string        `db:"release"`
	Version          *string        `db:"version"`
	Arch             *string        `db:"arch"`
	Subarch          *string        `db:"subarch"`
	Label            *string        `db:"label"`
	Kflavor          *string        `db:"kflavor"`
	Krel             *string        `db:"krel"`
	BuildID          *string        `db:"build_id"`
	Meta             sstream.Object `db:"meta"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`

	// Artifacts is populated by the image loaders and ignored by writes.
	Artifacts []Artifact `db:"-"`
}

// Artifact is one downloaded or uploaded file belonging to an image.
type Artifact struct {
	ID           int64     `db:"id"`
	ImageID      int64     `db:"image_id"`
	Name         string    `db:"name"`
	Ftype        *string   `db:"ftype"`
	RelativePath string    `db:"relative_path"`
	Size         *int64    `db:"size"`
	SHA256       *string   `db:"sha256"`
	SourceURL    *string   `db:"source_url"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

// MirrorJob is one queued unit of mirroring work. ImageID is a plain
// value, not a foreign key: it survives deletion of the image so the
// job history stays intact.
type MirrorJob struct {
	ID         int64      `db:"id"`
	ProductID  string     `db:"product_id"`
	IndexURL   string     `db:"index_url"`
	Status     string     `db:"status"`
	Message    *string    `db:"message"`
	Progress   int        `db:"progress"`
	ImageID    *int64     `db:"image_id"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
	StartedAt  *time.Time `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
}

// Package api defines the request and response bodies of the mirror
// service's HTTP API. Optional fields are pointers so that absent
// values serialize as null rather than a zero value.
package api

import "time"

// MirrorRequest selects products from an upstream index for mirroring.
type MirrorRequest struct {
	IndexURL   string   `json:"index_url"`
	ProductIDs []string `json:"product_ids"`
}

// MirrorJobSummary identifies a job admitted by a mirror request.
type MirrorJobSummary struct {
	JobID     int64  `json:"job_id"`
	ProductID string `json:"product_id"`
}

// MirrorResult reports what a mirror request enqueued and skipped.
// Skipped entries carry their reason, e.g. "pid (already queued)".
type MirrorResult struct {
	Enqueued []string           `json:"enqueued"`
	Skipped  []string           `json:"skipped"`
	Jobs     []MirrorJobSummary `json:"jobs"`
}

// UpstreamStream describes one stream inside an upstream index.
type UpstreamStream struct {
	StreamID       string   `json:"stream_id"`
	Path           string   `json:"path"`
	Datatype       string   `json:"datatype"`
	Format         string   `json:"format"`
	Products       []string `json:"products"`
	Updated        *string  `json:"updated"`
	OriginIndexURL string   `json:"origin_index_url"`
}

// UpstreamProduct describes one product inside an upstream stream,
// enough for a client to decide whether to mirror it.
type UpstreamProduct struct {
	ProductID      string  `json:"product_id"`
	Name           string  `json:"name"`
	StreamID       string  `json:"stream_id"`
	StreamPath     string  `json:"stream_path"`
	StreamUpdated  *string `json:"stream_updated"`
	OriginIndexURL string  `json:"origin_index_url"`

	OS      *string `json:"os"`
	Release *string `json:"release"`
	Version *string `json:"version"`
	Arch    *string `json:"arch"`
	Subarch *string `json:"subarch"`
	Label   *string `json:"label"`
	Kflavor *string `json:"kflavor"`
	Krel    *string `json:"krel"`
	BuildID *string `json:"build_id"`
}

// ArtifactOut is artifact metadata in image responses.
type ArtifactOut struct {
	Name         string  `json:"name"`
	Ftype        string  `json:"ftype"`
	RelativePath string  `json:"relative_path"`
	Size         *int64  `json:"size"`
	SHA256       *string `json:"sha256"`
	DownloadURL  string  `json:"download_url"`
}

// ImageOut is one catalog image in responses. StatusDetail surfaces
// the meta error or progress note for images that are not ready.
type ImageOut struct {
	ID               int64   `json:"id"`
	ProductID        string  `json:"product_id"`
	Name             string  `json:"name"`
	StreamID         string  `json:"stream_id"`
	StreamPath       string  `json:"stream_path"`
	ImageType        string  `json:"image_type"`
	Status           string  `json:"status"`
	StatusDetail     *string `json:"status_detail"`
	OriginProductURL *string `json:"origin_product_url"`
	OriginIndexURL   *string `json:"origin_index_url"`

	OS              *string `json:"os"`
	Release         *string `json:"release"`
	Version         *string `json:"version"`
	Arch            *string `json:"arch"`
	Subarch         *string `json:"subarch"`
	ReleaseCodename *string `json:"release_codename"`
	Subarches       *string `json:"subarches"`
	Label           *string `json:"label"`
	Kflavor         *string `json:"kflavor"`
	Krel            *string `json:"krel"`
	BuildID         *string `json:"build_id"`

	Artifacts []ArtifactOut `json:"artifacts"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ImageList wraps image listings.
type ImageList struct {
	Items []ImageOut `json:"items"`
}

// MirrorJobOut is one mirror job in responses.
type MirrorJobOut struct {
	ID         int64      `json:"id"`
	ProductID  string     `json:"product_id"`
	IndexURL   string     `json:"index_url"`
	Status     string     `json:"status"`
	Message    *string    `json:"message"`
	Progress   int        `json:"progress"`
	ImageID    *int64     `json:"image_id"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// MirrorJobList wraps job listings.
type MirrorJobList struct {
	Items []MirrorJobOut `json:"items"`
}

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// GetStreamByStreamID returns the stream with the given simplestream
// identifier, or nil when none exists.
func GetStreamByStreamID(ctx context.Context, ext sqlx.ExtContext, streamID string) (*Stream, error) {
	var stream Stream
	err := sqlx.GetContext(ctx, ext, &stream, `SELECT * FROM streams WHERE stream_id = ?`, streamID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stream %s: %w", streamID, err)
	}
	return &stream, nil
}

// InsertStream stores a new stream and fills in its ID and timestamps.
func InsertStream(ctx context.Context, ext sqlx.ExtContext, stream *Stream) error {
	stream.CreatedAt = time.Now().UTC()
	stream.UpdatedAt = stream.CreatedAt
	res, err := sqlx.NamedExecContext(ctx, ext, `
		INSERT INTO streams (stream_id, path, datatype, format, source_index_url, created_at, updated_at)
		VALUES (:stream_id, :path, :datatype, :format, :source_index_url, :created_at, :updated_at)`,
		stream)
	if err != nil {
		return fmt.Errorf("failed to insert stream %s: %w", stream.StreamID, err)
	}
	stream.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read stream id: %w", err)
	}
	return nil
}

// UpdateStream rewrites the mutable columns of an existing stream.
func UpdateStream(ctx context.Context, ext sqlx.ExtContext, stream *Stream) error {
	stream.UpdatedAt = time.Now().UTC()
	if _, err := sqlx.NamedExecContext(ctx, ext, `
		UPDATE streams
		SET path = :path, datatype = :datatype, format = :format,
			source_index_url = :source_index_url, updated_at = :updated_at
		WHERE id = :id`,
		stream); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", stream.StreamID, err)
	}
	return nil
}

// ListStreams returns all streams ordered by stream identifier.
func ListStreams(ctx context.Context, ext sqlx.ExtContext) ([]Stream, error) {
	var streams []Stream
	if err := sqlx.SelectContext(ctx, ext, &streams, `SELECT * FROM streams ORDER BY stream_id`); err != nil {
		return nil, fmt.Errorf("failed to list streams: %w", err)
	}
	return streams, nil
}

// LoadTree returns every stream with its images and their artifacts
// attached, the snapshot the publisher renders from. Call it inside a
// transaction to get a consistent view.
func LoadTree(ctx context.Context, ext sqlx.ExtContext) ([]Stream, error) {
	streams, err := ListStreams(ctx, ext)
	if err != nil {
		return nil, err
	}
	if len(streams) == 0 {
		return streams, nil
	}
	var images []Image
	if err := sqlx.SelectContext(ctx, ext, &images, `SELECT * FROM images ORDER BY stream_id, product_id`); err != nil {
		return nil, fmt.Errorf("failed to load images: %w", err)
	}
	if err := attachArtifacts(ctx, ext, images); err != nil {
		return nil, err
	}
	byStream := map[int64][]Image{}
	for _, image := range images {
		byStream[image.StreamID] = append(byStream[image.StreamID], image)
	}
	for i := range streams {
		streams[i].Images = byStream[streams[i].ID]
	}
	return streams, nil
}

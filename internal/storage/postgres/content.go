package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/store"
)

const upsertContentSQL = `
INSERT INTO content_records (content_hash, payload, reference_count, size_bytes, endpoint_name, data_date)
VALUES ($1, $2, 1, $3, $4, $5)
ON CONFLICT (content_hash) DO UPDATE
SET reference_count = content_records.reference_count + 1, updated_at = now()
RETURNING (xmax = 0) AS created, reference_count`

const pendingContentSQL = `
SELECT content_hash, payload, reference_count, size_bytes, upload_status, upload_attempts,
	endpoint_name, data_date, checksum, archive_uri, created_at, updated_at
FROM content_records
WHERE upload_status = 'pending'
ORDER BY created_at, content_hash
LIMIT $1`

const recordUploadSQL = `
UPDATE content_records
SET upload_status = $2, checksum = $3, archive_uri = $4, upload_attempts = $5, updated_at = now()
WHERE content_hash = $1`

const skipPendingSQL = `
UPDATE content_records SET upload_status = 'skipped', updated_at = now()
WHERE upload_status = 'pending'`

// UpsertContent inserts a record with reference_count 1 or increments an existing
// one. The upsert is a single statement, so concurrent callers serialize on the row.
func (s *Store) UpsertContent(ctx context.Context, hash string, payload []byte, meta harvest.ContentMeta) (bool, int64, error) {
	var (
		created bool
		refs    int64
	)
	err := s.pool.QueryRow(ctx, upsertContentSQL, hash, payload, int64(len(payload)), meta.EndpointName, meta.DataDate).
		Scan(&created, &refs)
	if err != nil {
		return false, 0, fmt.Errorf("upsert content: %w", err)
	}
	return created, refs, nil
}

// ListPendingContent returns up to limit records awaiting upload, oldest first.
func (s *Store) ListPendingContent(ctx context.Context, limit int) ([]harvest.ContentRecord, error) {
	rows, err := s.pool.Query(ctx, pendingContentSQL, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list pending content: %w", err)
	}
	defer rows.Close()

	var out []harvest.ContentRecord
	for rows.Next() {
		var rec harvest.ContentRecord
		err := rows.Scan(
			&rec.Hash,
			&rec.Payload,
			&rec.ReferenceCount,
			&rec.SizeBytes,
			&rec.UploadStatus,
			&rec.UploadAttempts,
			&rec.EndpointName,
			&rec.DataDate,
			&rec.Checksum,
			&rec.ArchiveURI,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan content row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate content rows: %w", err)
	}
	return out, nil
}

// RecordUpload stores the outcome of one upload.
func (s *Store) RecordUpload(ctx context.Context, outcome harvest.UploadOutcome) error {
	tag, err := s.pool.Exec(ctx, recordUploadSQL,
		outcome.Hash,
		string(outcome.Status),
		outcome.Checksum,
		outcome.ArchiveURI,
		outcome.Attempts,
	)
	if err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("content %s: %w", outcome.Hash, store.ErrNotFound)
	}
	return nil
}

// MarkPendingSkipped flags every pending record as skipped.
func (s *Store) MarkPendingSkipped(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, skipPendingSQL)
	if err != nil {
		return 0, fmt.Errorf("skip pending content: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

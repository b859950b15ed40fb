// Package archive moves deduplicated content records into durable storage.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/hash/sha256"
	"github.com/JakeFAU/opendata-harvester/internal/metrics"
)

// Config controls upload batching and retries.
type Config struct {
	BatchSize   int
	Interval    time.Duration
	MaxAttempts int
	BaseDelay   time.Duration
	// Topic receives a Notification per archived record when a publisher is set.
	Topic string
}

// UploadStats summarizes one pass over the pending records.
type UploadStats struct {
	Listed   int `json:"listed"`
	Uploaded int `json:"uploaded"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// Notification is published after a record is archived.
type Notification struct {
	ContentHash string `json:"content_hash"`
	ArchiveURI  string `json:"archive_uri"`
	Checksum    string `json:"checksum"`
	Endpoint    string `json:"endpoint"`
	SourceDate  string `json:"source_date"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Uploader compresses pending content and uploads it to an Archive.
type Uploader struct {
	repo      harvest.ContentRepository
	archive   harvest.Archive
	publisher harvest.Publisher
	cfg       Config
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewUploader constructs an Uploader. A nil archive marks every pending record
// skipped; a nil publisher disables notifications.
func NewUploader(repo harvest.ContentRepository, archive harvest.Archive, publisher harvest.Publisher, cfg Config, logger *zap.Logger) *Uploader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		repo:      repo,
		archive:   archive,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.Named("uploader"),
		sleep:     sleepCtx,
	}
}

// RunOnce uploads one batch of pending records.
func (u *Uploader) RunOnce(ctx context.Context) (UploadStats, error) {
	var stats UploadStats
	if u.archive == nil {
		n, err := u.repo.MarkPendingSkipped(ctx)
		if err != nil {
			return stats, fmt.Errorf("mark pending skipped: %w", err)
		}
		stats.Skipped = n
		for i := 0; i < n; i++ {
			metrics.ObserveUpload(string(harvest.UploadSkipped))
		}
		if n > 0 {
			u.logger.Info("archive not configured, skipped pending content", zap.Int("records", n))
		}
		return stats, nil
	}

	records, err := u.repo.ListPendingContent(ctx, u.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("list pending content: %w", err)
	}
	stats.Listed = len(records)
	for _, rec := range records {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		outcome, err := u.uploadRecord(ctx, rec)
		if err != nil {
			return stats, err
		}
		if err := u.repo.RecordUpload(ctx, outcome); err != nil {
			return stats, fmt.Errorf("record upload %s: %w", rec.Hash, err)
		}
		metrics.ObserveUpload(string(outcome.Status))
		switch outcome.Status {
		case harvest.UploadSuccess:
			stats.Uploaded++
			u.notify(ctx, rec, outcome)
		case harvest.UploadSkipped:
			stats.Skipped++
		default:
			stats.Failed++
		}
	}
	if stats.Listed > 0 {
		u.logger.Info("upload pass finished",
			zap.Int("listed", stats.Listed),
			zap.Int("uploaded", stats.Uploaded),
			zap.Int("failed", stats.Failed),
			zap.Int("skipped", stats.Skipped),
		)
	}
	return stats, nil
}

// Drain calls RunOnce until a pass lists no pending records. Every listed record
// leaves the pending state in its pass, so each pass makes progress.
func (u *Uploader) Drain(ctx context.Context) (UploadStats, error) {
	var total UploadStats
	for {
		stats, err := u.RunOnce(ctx)
		total.Listed += stats.Listed
		total.Uploaded += stats.Uploaded
		total.Failed += stats.Failed
		total.Skipped += stats.Skipped
		if err != nil {
			return total, err
		}
		if stats.Listed == 0 {
			return total, nil
		}
	}
}

// Run calls RunOnce every configured interval until ctx ends.
func (u *Uploader) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := u.RunOnce(ctx); err != nil && ctx.Err() == nil {
			u.logger.Error("upload pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// uploadRecord returns the outcome to commit. It only returns an error when ctx
// ends mid-upload, leaving the record pending.
func (u *Uploader) uploadRecord(ctx context.Context, rec harvest.ContentRecord) (harvest.UploadOutcome, error) {
	logger := u.logger.With(zap.String("content_hash", rec.Hash))
	compressed, err := Compress(rec.Payload)
	if err != nil {
		logger.Error("compress payload failed", zap.Error(err))
		return harvest.UploadOutcome{Hash: rec.Hash, Status: harvest.UploadFailed, Attempts: rec.UploadAttempts}, nil
	}
	checksum := sha256.Sum(compressed)
	meta := harvest.ArchiveMetadata{
		Checksum:   checksum,
		SourceDate: rec.DataDate.Format(time.DateOnly),
		Endpoint:   rec.EndpointName,
	}

	attempts := rec.UploadAttempts
	delay := u.cfg.BaseDelay
	for try := 1; try <= u.cfg.MaxAttempts; try++ {
		attempts++
		uri, err := u.archive.Upload(ctx, rec.Hash, compressed, meta)
		if err == nil {
			logger.Debug("content archived", zap.String("archive_uri", uri), zap.Int("attempts", attempts))
			return harvest.UploadOutcome{
				Hash:       rec.Hash,
				Status:     harvest.UploadSuccess,
				Checksum:   checksum,
				ArchiveURI: uri,
				Attempts:   attempts,
			}, nil
		}
		if errors.Is(err, harvest.ErrNoArchiveCredentials) {
			logger.Warn("archive credentials missing, skipping record", zap.Error(err))
			return harvest.UploadOutcome{Hash: rec.Hash, Status: harvest.UploadSkipped, Attempts: attempts}, nil
		}
		if ctx.Err() != nil {
			return harvest.UploadOutcome{}, ctx.Err()
		}
		logger.Warn("upload attempt failed", zap.Int("attempt", try), zap.Error(err))
		if try == u.cfg.MaxAttempts {
			break
		}
		if err := u.sleep(ctx, delay); err != nil {
			return harvest.UploadOutcome{}, err
		}
		delay *= 2
	}
	return harvest.UploadOutcome{Hash: rec.Hash, Status: harvest.UploadFailed, Checksum: checksum, Attempts: attempts}, nil
}

func (u *Uploader) notify(ctx context.Context, rec harvest.ContentRecord, outcome harvest.UploadOutcome) {
	if u.publisher == nil {
		return
	}
	id, err := u.publisher.Publish(ctx, u.cfg.Topic, Notification{
		ContentHash: rec.Hash,
		ArchiveURI:  outcome.ArchiveURI,
		Checksum:    outcome.Checksum,
		Endpoint:    rec.EndpointName,
		SourceDate:  rec.DataDate.Format(time.DateOnly),
		SizeBytes:   rec.SizeBytes,
	})
	if err != nil {
		u.logger.Warn("publish archive notification failed", zap.String("content_hash", rec.Hash), zap.Error(err))
		return
	}
	u.logger.Debug("archive notification published", zap.String("content_hash", rec.Hash), zap.String("message_id", id))
}

// Compress gzips payload.
func Compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

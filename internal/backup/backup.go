// Package backup exports the engine's state as a compressed JSON snapshot
// on a nightly schedule. Snapshots always land on local disk; when a bucket
// is configured they are mirrored to S3 as well. Local snapshots beyond the
// retention count are pruned after each run.
package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"worklog-engine/internal/config"
	"worklog-engine/internal/models"
	"worklog-engine/internal/telemetry"
)

// History window covered by each snapshot.
const snapshotWindow = 90 * 24 * time.Hour

// Store is the slice of persistence the exporter reads.
type Store interface {
	AllEngagements(ctx context.Context) ([]models.Engagement, error)
	NudgesSince(ctx context.Context, t time.Time) ([]models.NudgeLogEntry, error)
	SummariesBetween(ctx context.Context, userID int64, kind string, from, to time.Time) ([]models.Summary, error)
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// snapshot is the on-disk document.
type snapshot struct {
	TakenAt    time.Time              `json:"taken_at"`
	Engagement []models.Engagement    `json:"engagement"`
	NudgeLog   []models.NudgeLogEntry `json:"nudge_log"`
	Summaries  []models.Summary       `json:"summaries"`
}

// Service runs the export and retention cycle.
type Service struct {
	store Store
	local *localUploader
	s3    uploader
	keep  int
	log   *zap.Logger
	now   func() time.Time
}

// New builds the service. The S3 mirror is enabled only when the bucket is
// configured.
func New(ctx context.Context, cfg config.Config, store Store, log *zap.Logger) (*Service, error) {
	var mirror uploader
	if cfg.BackupS3Bucket != "" {
		client, err := newS3Client(ctx, cfg.BackupS3Region)
		if err != nil {
			return nil, fmt.Errorf("init s3 mirror: %w", err)
		}
		mirror = &s3Uploader{client: client, bucket: cfg.BackupS3Bucket}
	}
	return &Service{
		store: store,
		local: &localUploader{baseDir: cfg.BackupDir},
		s3:    mirror,
		keep:  cfg.BackupKeep,
		log:   log,
		now:   time.Now,
	}, nil
}

// Run takes one snapshot. A failed S3 mirror does not fail the run as long
// as the local copy was written.
func (s *Service) Run(ctx context.Context) error {
	now := s.now()
	snap, err := s.collect(ctx, now)
	if err != nil {
		return err
	}

	body, err := encode(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := fmt.Sprintf("worklog-%s.json.gz", now.UTC().Format("20060102-150405"))

	path, err := s.local.Upload(ctx, key, body, "application/gzip")
	if err != nil {
		return fmt.Errorf("write local snapshot: %w", err)
	}
	s.log.Info("backup written",
		zap.String("path", path),
		zap.Int("bytes", len(body)),
		zap.Int("users", len(snap.Engagement)))

	if s.s3 != nil {
		if loc, err := s.s3.Upload(ctx, key, body, "application/gzip"); err != nil {
			s.log.Error("s3 mirror failed", zap.String("key", key), zap.Error(err))
		} else {
			s.log.Info("backup mirrored", zap.String("location", loc))
		}
	}

	if err := s.prune(); err != nil {
		s.log.Error("backup retention prune failed", zap.Error(err))
	}
	telemetry.BackupRuns.Inc()
	return nil
}

func (s *Service) collect(ctx context.Context, now time.Time) (snapshot, error) {
	since := now.Add(-snapshotWindow)

	engagement, err := s.store.AllEngagements(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("load engagement: %w", err)
	}
	nudges, err := s.store.NudgesSince(ctx, since)
	if err != nil {
		return snapshot{}, fmt.Errorf("load nudge log: %w", err)
	}

	var summaries []models.Summary
	for _, eng := range engagement {
		for _, kind := range []string{models.SummaryDaily, models.SummaryEvening, models.SummaryWeekly} {
			sums, err := s.store.SummariesBetween(ctx, eng.UserID, kind, since, now)
			if err != nil {
				return snapshot{}, fmt.Errorf("load %s summaries for user %d: %w", kind, eng.UserID, err)
			}
			summaries = append(summaries, sums...)
		}
	}

	return snapshot{
		TakenAt:    now.UTC(),
		Engagement: engagement,
		NudgeLog:   nudges,
		Summaries:  summaries,
	}, nil
}

func encode(snap snapshot) ([]byte, error) {
	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	if err := json.NewEncoder(gz).Encode(snap); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// prune deletes the oldest local snapshots past the retention count. The
// timestamped names sort chronologically.
func (s *Service) prune() error {
	if s.keep <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.local.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var names []string
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json.gz") {
			continue
		}
		names = append(names, ent.Name())
	}
	if len(names) <= s.keep {
		return nil
	}
	sort.Strings(names)

	for _, name := range names[:len(names)-s.keep] {
		if err := os.Remove(filepath.Join(s.local.baseDir, name)); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
		s.log.Info("pruned old backup", zap.String("name", name))
	}
	return nil
}

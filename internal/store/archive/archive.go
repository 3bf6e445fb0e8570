// Package archive ships a daily copy of the whole snapshot database to an
// S3-compatible bucket, adapted from trader-go/internal/reliability's
// tiered BackupService. Unlike the teacher's local-copy tiers, this writes
// a single daily object via the AWS SDK's managed uploader and is
// best-effort: archive failures are logged, never fatal, and the job is a
// no-op unless a bucket is configured.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Config controls whether and where daily snapshot archival runs.
type Config struct {
	Enabled bool
	Bucket  string
	Region  string
	Prefix  string // object key prefix, default "syi-snapshots"
}

// Archiver uploads a point-in-time copy of the snapshot database to S3.
type Archiver struct {
	cfg      Config
	snapPath string
	uploader *manager.Uploader
	log      zerolog.Logger
}

// New returns nil, nil when archival is disabled (no bucket configured),
// matching the teacher's "don't fail, just skip" posture for optional
// reliability features.
func New(ctx context.Context, cfg Config, snapshotPath string, log zerolog.Logger) (*Archiver, error) {
	if !cfg.Enabled || cfg.Bucket == "" {
		return nil, nil
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "syi-snapshots"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &Archiver{
		cfg:      cfg,
		snapPath: snapshotPath,
		uploader: manager.NewUploader(client),
		log:      log.With().Str("component", "archive").Logger(),
	}, nil
}

// Run performs one archival cycle: a consistent VACUUM INTO copy of the
// snapshot database, uploaded under a date-stamped key. Called daily from
// the scheduler alongside the regime cadence.
func (a *Archiver) Run() error {
	if a == nil {
		return nil
	}

	start := time.Now()
	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("syi-snapshot-%d.db", start.UnixNano()))
	defer os.Remove(tmp)

	if err := vacuumInto(a.snapPath, tmp); err != nil {
		a.log.Error().Err(err).Msg("snapshot vacuum failed, skipping archive")
		return nil
	}

	f, err := os.Open(tmp)
	if err != nil {
		a.log.Error().Err(err).Msg("open vacuum copy failed, skipping archive")
		return nil
	}
	defer f.Close()

	key := fmt.Sprintf("%s/%s.db", a.cfg.Prefix, start.Format("2006-01-02"))
	_, err = a.uploader.Upload(context.Background(), &s3.PutObjectInput{
		Bucket: &a.cfg.Bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		a.log.Error().Err(err).Str("key", key).Msg("archive upload failed")
		return nil
	}

	a.log.Info().Str("key", key).Dur("duration_ms", time.Since(start)).Msg("archived snapshot to s3")
	return nil
}

// Name satisfies scheduler.Job.
func (a *Archiver) Name() string { return "snapshot_archive" }

func vacuumInto(src, dst string) error {
	conn, err := sql.Open("sqlite", src)
	if err != nil {
		return fmt.Errorf("open snapshot for vacuum: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Exec(fmt.Sprintf("VACUUM INTO '%s'", dst)); err != nil {
		return fmt.Errorf("vacuum into %s: %w", dst, err)
	}
	return nil
}

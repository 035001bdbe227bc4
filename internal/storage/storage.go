// Package storage archives recalculation run reports, either to S3 with a
// DynamoDB run index or to JSON files on local disk.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/ignite/segment-engine/internal/config"
	"github.com/ignite/segment-engine/internal/segmentation"
)

var (
	// ErrNoIndex is returned by ListRuns when runs are archived to S3 without
	// a DynamoDB index table.
	ErrNoIndex = errors.New("run index is not configured")
	// ErrInvalidKey rejects report keys outside the archive prefix.
	ErrInvalidKey = errors.New("invalid report key")
)

// RunEntry summarizes one archived run.
type RunEntry struct {
	SegmentID  int64     `json:"segment_id"`
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	Outcome    string    `json:"outcome"`
	FailReason string    `json:"fail_reason,omitempty"`
	Entered    int       `json:"entered"`
	Exited     int       `json:"exited"`
	Key        string    `json:"key"`
}

// Storage archives run reports. It implements segmentation.ReportArchiver.
type Storage struct {
	config config.ArchiveConfig
	mu     sync.Mutex

	// AWS storage (optional)
	aws *AWSStorage
}

// New creates the archive described by cfg. It returns nil when neither a
// bucket nor a local path is configured.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Storage, error) {
	s := &Storage{config: cfg}

	switch {
	case cfg.Bucket != "":
		awsStorage, err := NewAWSStorage(ctx, cfg.Bucket, cfg.IndexTable, cfg.Region, ttlDays(cfg.IndexTTLDays))
		if err != nil {
			return nil, fmt.Errorf("initializing AWS storage: %w", err)
		}
		s.aws = awsStorage

	case cfg.LocalPath != "":
		if err := os.MkdirAll(cfg.LocalPath, 0755); err != nil {
			return nil, fmt.Errorf("creating archive directory: %w", err)
		}

	default:
		return nil, nil
	}
	return s, nil
}

// NewWithAWS wraps an existing AWS storage.
func NewWithAWS(cfg config.ArchiveConfig, a *AWSStorage) *Storage {
	return &Storage{config: cfg, aws: a}
}

// Archive stores one finished run.
func (s *Storage) Archive(ctx context.Context, report *segmentation.RunReport) error {
	key := ReportKey(s.config.Prefix, report)
	if s.aws != nil {
		return s.aws.SaveReport(ctx, key, report)
	}
	return s.saveToFile(key, report)
}

// ListRuns returns up to limit runs of a segment, newest first.
func (s *Storage) ListRuns(ctx context.Context, segmentID int64, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	if s.aws != nil {
		return s.aws.ListRuns(ctx, segmentID, limit)
	}
	return s.listFiles(segmentID, limit)
}

// GetReport loads an archived report by the key ListRuns returned.
func (s *Storage) GetReport(ctx context.Context, key string) (*segmentation.RunReport, error) {
	if !s.validKey(key) {
		return nil, ErrInvalidKey
	}
	if s.aws != nil {
		return s.aws.GetReport(ctx, key)
	}
	var report segmentation.RunReport
	if err := s.loadFromFile(key, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ReportKey is the object key of a report:
// <prefix>/segment-<id>/<yyyy>/<mm>/<dd>/<run_id>.json
func ReportKey(prefix string, report *segmentation.RunReport) string {
	return path.Join(
		prefix,
		fmt.Sprintf("segment-%d", report.SegmentID),
		report.StartedAt.UTC().Format("2006/01/02"),
		report.RunID+".json",
	)
}

func (s *Storage) validKey(key string) bool {
	if key == "" || strings.Contains(key, "..") || path.IsAbs(key) {
		return false
	}
	return strings.HasPrefix(key, s.config.Prefix+"/")
}

// saveToFile writes the report as indented JSON under LocalPath.
func (s *Storage) saveToFile(key string, report *segmentation.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := filepath.Join(s.config.LocalPath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run report: %w", err)
	}
	return os.WriteFile(p, data, 0644)
}

func (s *Storage) loadFromFile(key string, target interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.config.LocalPath, filepath.FromSlash(key)))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}

// listFiles walks the segment's directory. Unreadable files are skipped.
func (s *Storage) listFiles(segmentID int64, limit int) ([]RunEntry, error) {
	segPrefix := path.Join(s.config.Prefix, fmt.Sprintf("segment-%d", segmentID))
	root := filepath.Join(s.config.LocalPath, filepath.FromSlash(segPrefix))

	var runs []RunEntry
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || filepath.Ext(p) != ".json" {
			return nil
		}
		rel, err := filepath.Rel(s.config.LocalPath, p)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		var report segmentation.RunReport
		if err := s.loadFromFile(key, &report); err != nil {
			return nil
		}
		runs = append(runs, entryFor(key, &report))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing archived runs: %w", err)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	if len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func entryFor(key string, report *segmentation.RunReport) RunEntry {
	entered, exited := totals(report)
	return RunEntry{
		SegmentID:  report.SegmentID,
		RunID:      report.RunID,
		StartedAt:  report.StartedAt,
		Outcome:    report.Outcome,
		FailReason: report.FailReason,
		Entered:    entered,
		Exited:     exited,
		Key:        key,
	}
}

func totals(report *segmentation.RunReport) (entered, exited int) {
	for _, c := range report.Changes {
		entered += c.New
		exited += c.Removed
	}
	return entered, exited
}

func ttlDays(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}

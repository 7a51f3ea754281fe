// Package artifacts stores large rendered outputs (HTML views, images)
// on disk under TTL-keyed opaque ids, with background eviction.
package artifacts

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/textslash/cockpit/internal/observability"
	"github.com/textslash/cockpit/internal/storage"
)

// ErrGone is returned when an artifact is missing or expired.
var ErrGone = errors.New("artifact gone")

// Store persists artifact payloads on disk and their metadata in
// sqlite, so ids survive a VM restart.
type Store struct {
	dir      string
	ttl      time.Duration
	maxItems int
	db       *storage.Store
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// Options configures a Store. Metrics may be nil.
type Options struct {
	Dir      string
	TTL      time.Duration
	MaxItems int
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// NewStore creates the artifact directory and returns a store.
func NewStore(db *storage.Store, opts Options) (*Store, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:      opts.Dir,
		ttl:      opts.TTL,
		maxItems: opts.MaxItems,
		db:       db,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "artifacts"),
	}, nil
}

func (s *Store) count(op string) {
	if s.metrics == nil {
		return
	}
	s.metrics.ArtifactCounter.WithLabelValues(op).Inc()
}

// Put stores data under a fresh opaque id and returns it. Kind selects
// the file extension ("html", "jpeg", ...).
func (s *Store) Put(kind string, data io.Reader) (string, error) {
	id := uuid.NewString()
	path := filepath.Join(s.dir, id+extensionFor(kind))

	// Write to a temp file first, then atomic rename.
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(f, data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename artifact: %w", err)
	}

	err = s.db.InsertArtifact(storage.ArtifactRecord{
		ID:        id,
		Kind:      kind,
		FilePath:  path,
		ExpiresAt: time.Now().Add(s.ttl),
	})
	if err != nil {
		os.Remove(path)
		return "", err
	}
	s.count("create")
	return id, nil
}

// Get opens an artifact for reading. Expired or unknown ids return
// ErrGone.
func (s *Store) Get(id string) (io.ReadCloser, string, error) {
	rec, err := s.db.GetArtifact(id)
	if err != nil {
		return nil, "", err
	}
	if rec == nil || time.Now().After(rec.ExpiresAt) {
		return nil, "", ErrGone
	}
	f, err := os.Open(rec.FilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrGone
		}
		return nil, "", fmt.Errorf("open artifact: %w", err)
	}
	s.count("serve")
	return f, rec.Kind, nil
}

// Sweep removes expired artifacts, then enforces the item cap by
// deleting oldest first regardless of age. Returns how many were
// removed.
func (s *Store) Sweep() (int, error) {
	records, err := s.db.ListArtifacts()
	if err != nil {
		return 0, err
	}

	removed := 0
	now := time.Now()
	var live []storage.ArtifactRecord
	for _, rec := range records {
		if now.After(rec.ExpiresAt) {
			s.remove(rec)
			s.count("expire")
			removed++
			continue
		}
		live = append(live, rec)
	}

	// ListArtifacts returns oldest first, so the excess prefix is the
	// eviction set.
	if excess := len(live) - s.maxItems; excess > 0 {
		for _, rec := range live[:excess] {
			s.remove(rec)
			s.count("evict")
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("artifact sweep completed", "removed", removed)
	}
	return removed, nil
}

func (s *Store) remove(rec storage.ArtifactRecord) {
	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("remove artifact file", "id", rec.ID, "error", err)
	}
	if err := s.db.DeleteArtifact(rec.ID); err != nil {
		s.logger.Warn("delete artifact metadata", "id", rec.ID, "error", err)
	}
}

func extensionFor(kind string) string {
	switch kind {
	case "html":
		return ".html"
	case "jpeg", "screenshot":
		return ".jpeg"
	case "png":
		return ".png"
	case "text":
		return ".txt"
	default:
		return ".dat"
	}
}

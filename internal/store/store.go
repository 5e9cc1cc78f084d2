// Package store persists fetched fragments on disk and records them in a
// SQLite manifest inside the destination directory.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/agleyzer/paceload/internal/segment"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// Layout names inside the destination directory.
const (
	FragmentsDir     = "fragments"
	SubtitlesDir     = "subtitles"
	SubtitlesFile    = "subs.vtt"
	ManifestFile     = "manifest.db"
	LockFile         = ".paceload.lock"
	timestampLayout  = time.RFC3339Nano
	fragmentFileMode = 0o644
)

var (
	// ErrDestinationExists means the destination directory is already there
	// and overwriting was not requested.
	ErrDestinationExists = errors.New("destination already exists")

	// ErrLocked means another run holds the destination lock.
	ErrLocked = errors.New("destination is locked by another run")

	// ErrSchemaMismatch means the manifest was written by an incompatible version.
	ErrSchemaMismatch = errors.New("manifest schema version mismatch")
)

// Options configures Open.
type Options struct {
	// Root is the destination directory
	Root string
	// Ext is the fragment file extension without the dot
	Ext string
	// Overwrite allows reusing an existing destination. Earlier fragment
	// records, fragment and subtitle files, and the Outputs are removed.
	Overwrite bool
	// Outputs are root-relative files derived from the fragments, removed
	// on overwrite
	Outputs []string
}

// Store manages fragment payloads and their manifest.
type Store struct {
	root   string
	ext    string
	db     *sql.DB
	lock   *flock.Flock
	logger *slog.Logger
}

// Open prepares the destination directory, takes its lock and opens the manifest.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	ext := opts.Ext
	if ext == "" {
		ext = "ts"
	}

	existed, err := exists(opts.Root)
	if err != nil {
		return nil, err
	}
	if existed && !opts.Overwrite {
		return nil, fmt.Errorf("%w: %s", ErrDestinationExists, opts.Root)
	}
	if !existed {
		logger.Info("creating destination", "path", opts.Root)
	}

	for _, dir := range []string{opts.Root, filepath.Join(opts.Root, FragmentsDir), filepath.Join(opts.Root, SubtitlesDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	lock := flock.New(filepath.Join(opts.Root, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, opts.Root)
	}

	s := &Store{
		root:   opts.Root,
		ext:    ext,
		lock:   lock,
		logger: logger,
	}
	if err := s.openManifest(ctx); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	if existed {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM fragments"); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("reset manifest: %w", err)
		}
		removed, err := s.removeStale(opts.Outputs)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("reset destination: %w", err)
		}
		logger.Warn("overwriting existing destination", "path", opts.Root, "removed_files", removed)
	}

	return s, nil
}

// removeStale deletes everything a previous run left in the fragment and
// subtitle directories, plus the named outputs.
func (s *Store) removeStale(outputs []string) (int, error) {
	removed := 0
	for _, dir := range []string{FragmentsDir, SubtitlesDir} {
		entries, err := os.ReadDir(filepath.Join(s.root, dir))
		if err != nil {
			return removed, err
		}
		for _, entry := range entries {
			if err := os.RemoveAll(filepath.Join(s.root, dir, entry.Name())); err != nil {
				return removed, err
			}
			removed++
		}
	}
	for _, name := range outputs {
		err := os.Remove(filepath.Join(s.root, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *Store) openManifest(ctx context.Context) error {
	dbPath := filepath.Join(s.root, ManifestFile)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s.db = db
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}

	if tableExists == 0 {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin schema tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit schema: %w", err)
		}
		return nil
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: manifest has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

// Close closes the manifest and releases the destination lock.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	if s.lock != nil {
		errs = append(errs, s.lock.Unlock())
	}
	return errors.Join(errs...)
}

// Root returns the destination directory.
func (s *Store) Root() string {
	return s.root
}

// Ext returns the fragment file extension.
func (s *Store) Ext() string {
	return s.ext
}

// FragmentsDir returns the directory holding fragment payloads.
func (s *Store) FragmentsDir() string {
	return filepath.Join(s.root, FragmentsDir)
}

// FragmentName returns the file name of a fragment relative to FragmentsDir.
func (s *Store) FragmentName(sequence int) string {
	return strconv.Itoa(sequence) + "." + s.ext
}

// Path returns where the payload for sequence is stored.
func (s *Store) Path(sequence int) string {
	return filepath.Join(s.FragmentsDir(), s.FragmentName(sequence))
}

// SubtitlesPath returns where the raw subtitle payload is stored.
func (s *Store) SubtitlesPath() string {
	return filepath.Join(s.root, SubtitlesDir, SubtitlesFile)
}

// Put writes a fragment payload and records it in the manifest.
func (s *Store) Put(ctx context.Context, sequence int, url string, data []byte) (segment.Segment, error) {
	path := s.Path(sequence)
	if err := writeFileAtomic(path, data); err != nil {
		return segment.Segment{}, fmt.Errorf("write fragment %d: %w", sequence, err)
	}

	sum := sha256.Sum256(data)
	seg := segment.Segment{
		Sequence:  sequence,
		URL:       url,
		Path:      path,
		Size:      int64(len(data)),
		SHA256:    hex.EncodeToString(sum[:]),
		FetchedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO fragments (sequence, url, path, size, sha256, fetched_at, start_time)
         VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		seg.Sequence, seg.URL, seg.Path, seg.Size, seg.SHA256, seg.FetchedAt.Format(timestampLayout),
	)
	if err != nil {
		return segment.Segment{}, fmt.Errorf("record fragment %d: %w", sequence, err)
	}
	return seg, nil
}

// SetStartTime attaches a probed presentation start time to a stored fragment.
func (s *Store) SetStartTime(ctx context.Context, sequence int, start float64) error {
	res, err := s.db.ExecContext(ctx, "UPDATE fragments SET start_time = ? WHERE sequence = ?", start, sequence)
	if err != nil {
		return fmt.Errorf("record start time for fragment %d: %w", sequence, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("record start time: fragment %d is not stored", sequence)
	}
	return nil
}

// Segments returns the records in [from, to] in ascending order, plus every
// number in that range whose record or payload file is absent.
func (s *Store) Segments(ctx context.Context, from, to int) ([]segment.Segment, []int, error) {
	if to < from {
		return nil, nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, url, path, size, sha256, fetched_at, start_time
         FROM fragments WHERE sequence BETWEEN ? AND ? ORDER BY sequence`,
		from, to,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("list fragments: %w", err)
	}
	defer rows.Close()

	found := make(map[int]segment.Segment)
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("scan fragment: %w", err)
		}
		found[seg.Sequence] = seg
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("list fragments: %w", err)
	}

	segments := make([]segment.Segment, 0, len(found))
	var missing []int
	for seq := from; seq <= to; seq++ {
		seg, ok := found[seq]
		if ok {
			if _, statErr := os.Stat(seg.Path); statErr != nil {
				ok = false
			}
		}
		if !ok {
			missing = append(missing, seq)
			continue
		}
		segments = append(segments, seg)
	}
	return segments, missing, nil
}

// Contiguous returns the highest n such that every fragment in [start, n]
// is recorded, or start-1 when start itself is absent.
func (s *Store) Contiguous(ctx context.Context, start int) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT sequence FROM fragments WHERE sequence >= ? ORDER BY sequence", start)
	if err != nil {
		return 0, fmt.Errorf("list sequences: %w", err)
	}
	defer rows.Close()

	high := start - 1
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			return 0, fmt.Errorf("scan sequence: %w", err)
		}
		if seq != high+1 {
			break
		}
		high = seq
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("list sequences: %w", err)
	}
	return high, nil
}

// WriteSubtitles stores the raw subtitle payload and returns its path.
func (s *Store) WriteSubtitles(data []byte) (string, error) {
	path := s.SubtitlesPath()
	if err := writeFileAtomic(path, data); err != nil {
		return "", fmt.Errorf("write subtitles: %w", err)
	}
	return path, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSegment(row rowScanner) (segment.Segment, error) {
	var (
		seg       segment.Segment
		fetchedAt string
		startTime sql.NullFloat64
	)
	if err := row.Scan(&seg.Sequence, &seg.URL, &seg.Path, &seg.Size, &seg.SHA256, &fetchedAt, &startTime); err != nil {
		return segment.Segment{}, err
	}
	if ts, err := time.Parse(timestampLayout, fetchedAt); err == nil {
		seg.FetchedAt = ts
	}
	if startTime.Valid {
		seg.StartTime = startTime.Float64
		seg.HasStartTime = true
	}
	return seg, nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s: %w", path, err)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".partial-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, fragmentFileMode); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Local is a Backend that stores object payloads on the local filesystem
// under a root directory and keeps object metadata in a SQLite database.
// It emulates a cloud object store for deployments without one; links are
// built from a configured read host instead of being signed.
type Local struct {
	root     string
	readHost string
	db       *sql.DB
}

// LocalConfig configures a Local backend.
type LocalConfig struct {
	// Root is the directory object payloads are stored under.
	Root string
	// ReadHost is the externally reachable base URL that serves objects
	// stored by this backend.
	ReadHost string
}

// NewLocal initializes the metadata database and returns a new Local
// backend rooted at cfg.Root.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Root == "" {
		return nil, errors.New("Root must not be empty")
	}

	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(cfg.Root, "metadata.sqlite"))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Local{
		root:     cfg.Root,
		readHost: strings.TrimSuffix(cfg.ReadHost, "/"),
		db:       db,
	}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS objects (
			key TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			content_type TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the metadata database.
func (l *Local) Close() error {
	return l.db.Close()
}

func (l *Local) Platform() string {
	return PlatformLocal
}

func (l *Local) Write(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	objPath, err := objectPath(l.root, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	if err := writeFileAtomic(objPath, r, size); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrStorageIO, key, err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO objects(key, size, content_type, created_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET size = excluded.size,
			content_type = excluded.content_type,
			created_at = excluded.created_at`,
		key, size, contentType, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: record %q: %v", ErrStorageIO, key, err)
	}
	return nil
}

func (l *Local) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	objPath, err := objectPath(l.root, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	f, err := os.Open(objPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrStorageIO, key, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: read %q: %v", ErrStorageIO, key, err)
	}
	return buf[:n], nil
}

func (l *Local) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT key, size, COALESCE(content_type, '') FROM objects WHERE key = ?`, key)

	var info ObjectInfo
	if err := row.Scan(&info.Key, &info.Size, &info.ContentType); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: stat %q: %v", ErrStorageIO, key, err)
	}
	return &info, nil
}

func (l *Local) Link(ctx context.Context, key string, opts LinkOptions) (string, error) {
	info, err := l.Stat(ctx, key)
	if err != nil {
		return "", err
	}
	if info == nil {
		return "", nil
	}

	segments := strings.Split(strings.Trim(key, "/"), "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	link := l.readHost + "/" + strings.Join(segments, "/")
	if opts.DownloadName != "" {
		link += "?filename=" + url.QueryEscape(opts.DownloadName)
	}
	return link, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	objPath, err := objectPath(l.root, key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageIO, err)
	}

	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete %q: %v", ErrStorageIO, key, err)
	}

	if _, err := l.db.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key); err != nil {
		return fmt.Errorf("%w: unrecord %q: %v", ErrStorageIO, key, err)
	}
	return nil
}

func (l *Local) ListPrefix(ctx context.Context, prefix string) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT key FROM objects WHERE key LIKE ? || '%' ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: list %q: %v", ErrStorageIO, prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: list %q: %v", ErrStorageIO, prefix, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list %q: %v", ErrStorageIO, prefix, err)
	}
	return keys, nil
}

// multipartDir is where in-progress part payloads are buffered until the
// upload completes. The dot prefix keeps it out of any organization's key
// space.
func (l *Local) multipartDir(uploadID string) string {
	return filepath.Join(l.root, ".multipart", uploadID)
}

func (l *Local) InitiateMultipart(ctx context.Context, key, contentType string) (string, error) {
	uploadID := uuid.NewString()
	if err := os.MkdirAll(l.multipartDir(uploadID), 0o700); err != nil {
		return "", fmt.Errorf("%w: initiate multipart %q: %v", ErrStorageIO, key, err)
	}
	return uploadID, nil
}

func (l *Local) WritePart(ctx context.Context, key, uploadID string, partNumber int, data []byte) (Part, error) {
	dir := l.multipartDir(uploadID)
	if _, err := os.Stat(dir); err != nil {
		return Part{}, fmt.Errorf("%w: unknown multipart upload %q: %v", ErrStorageIO, uploadID, err)
	}

	partPath := filepath.Join(dir, fmt.Sprintf("part-%05d", partNumber))
	if err := os.WriteFile(partPath, data, 0o644); err != nil {
		return Part{}, fmt.Errorf("%w: write part %d of %q: %v", ErrStorageIO, partNumber, key, err)
	}
	return Part{Number: partNumber, Size: int64(len(data))}, nil
}

func (l *Local) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part, contentType string) error {
	dir := l.multipartDir(uploadID)

	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	readers := make([]io.Reader, 0, len(sorted))
	files := make([]*os.File, 0, len(sorted))
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	var total int64
	for _, part := range sorted {
		f, err := os.Open(filepath.Join(dir, fmt.Sprintf("part-%05d", part.Number)))
		if err != nil {
			return fmt.Errorf("%w: missing part %d of %q: %v", ErrStorageIO, part.Number, key, err)
		}
		files = append(files, f)
		readers = append(readers, f)
		total += part.Size
	}

	if err := l.Write(ctx, key, io.MultiReader(readers...), total, contentType); err != nil {
		return err
	}

	return os.RemoveAll(dir)
}

func (l *Local) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return os.RemoveAll(l.multipartDir(uploadID))
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"filegate/internal/storage"
)

// ErrDownloadIncomplete is returned when any chunk of a download exhausts
// its retries. The local target is removed; the caller never sees a
// partial file claiming success.
var ErrDownloadIncomplete = errors.New("download incomplete")

const (
	// DefaultChunkSize is the range size used when the caller does not
	// pick one.
	DefaultChunkSize int64 = 2 << 20

	// DefaultMaxConcurrency bounds the range-fetch pool by default.
	DefaultMaxConcurrency = 4

	downloadReadAttempts = 3
	downloadRetryDelay   = 200 * time.Millisecond
)

// DownloadOptions tune a chunked download.
type DownloadOptions struct {
	ChunkSize      int64
	MaxConcurrency int
}

// Downloader fetches stored objects in parallel ranged chunks,
// reassembling them into a local file. Completion order is irrelevant:
// chunks write directly at their offset into a target preallocated to the
// final size.
type Downloader struct {
	registry *storage.Registry
}

func NewDownloader(registry *storage.Registry) *Downloader {
	return &Downloader{registry: registry}
}

// Download fetches key from the class's backend into localPath. Each
// chunk retries independently; one permanently failed chunk fails the
// whole download.
func (d *Downloader) Download(ctx context.Context, org, key, localPath string, class storage.Class, opts DownloadOptions) error {
	backend, err := d.registry.Lookup(class)
	if err != nil {
		return err
	}

	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultMaxConcurrency
	}

	info, err := backend.Stat(ctx, key)
	if err != nil {
		return err
	}
	if info == nil {
		return fmt.Errorf("%w: object %q not found", ErrDownloadIncomplete, key)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create target directory: %w", err)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create target file: %w", err)
	}

	// Preallocate so out-of-order chunk completion still lands every
	// byte at its final offset.
	if err := f.Truncate(info.Size); err != nil {
		_ = f.Close()
		_ = os.Remove(localPath)
		return fmt.Errorf("preallocate target file: %w", err)
	}

	totalChunks := totalChunksFor(info.Size, opts.ChunkSize)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.MaxConcurrency)

	for i := 0; i < totalChunks; i++ {
		offset := int64(i) * opts.ChunkSize
		length := min(opts.ChunkSize, info.Size-offset)
		chunk := i

		g.Go(func() error {
			data, err := d.fetchChunk(gctx, backend, key, chunk, offset, length)
			if err != nil {
				return err
			}
			if _, err := f.WriteAt(data, offset); err != nil {
				return fmt.Errorf("write chunk %d: %w", chunk, err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		_ = f.Close()
		_ = os.Remove(localPath)
		return fmt.Errorf("%w: %v", ErrDownloadIncomplete, err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(localPath)
		return fmt.Errorf("%w: close target: %v", ErrDownloadIncomplete, err)
	}

	slog.Info("Chunk download complete",
		"org", org, "key", key, "path", localPath, "size", info.Size, "chunks", totalChunks)
	return nil
}

// fetchChunk reads one range with a bounded retry budget.
func (d *Downloader) fetchChunk(ctx context.Context, backend storage.Backend, key string, chunk int, offset, length int64) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= downloadReadAttempts; attempt++ {
		data, err := backend.ReadRange(ctx, key, offset, length)
		if err == nil {
			if int64(len(data)) != length {
				err = fmt.Errorf("short range read: got %d bytes, want %d", len(data), length)
			} else {
				return data, nil
			}
		}
		lastErr = err
		slog.Warn("Chunk fetch failed",
			"key", key, "chunk", chunk, "attempt", attempt, "err", err)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < downloadReadAttempts {
			select {
			case <-time.After(downloadRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("chunk %d failed after %d attempts: %w", chunk, downloadReadAttempts, lastErr)
}

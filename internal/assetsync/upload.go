package assetsync

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// DefaultChunkSize is the transfer unit for uploads.
const DefaultChunkSize = 1 << 20 // 1 MiB

// DefaultMaxAttempts bounds re-uploads after a checksum mismatch.
const DefaultMaxAttempts = 3

// Sink is the receiving side of one node's asset uploads. The remote
// buffers chunks per path and materializes the file on Commit.
type Sink interface {
	// WriteChunk appends data at offset for the given relative path.
	WriteChunk(ctx context.Context, rel string, offset int64, data []byte) error

	// Commit finalizes the file and returns the SHA-256 the remote
	// computed over what it received.
	Commit(ctx context.Context, rel string) (sha256hex string, err error)

	// Abort discards a partial upload.
	Abort(ctx context.Context, rel string) error
}

// Uploader pushes files to a Sink in chunks and verifies the remote
// checksum after each transfer.
type Uploader struct {
	ChunkSize   int
	MaxAttempts int
	Logger      *log.Logger
}

// NewUploader returns an uploader with the default chunking and retry
// bounds.
func NewUploader(logger *log.Logger) *Uploader {
	if logger == nil {
		logger = log.New(os.Stderr, "[assetsync] ", log.LstdFlags)
	}
	return &Uploader{
		ChunkSize:   DefaultChunkSize,
		MaxAttempts: DefaultMaxAttempts,
		Logger:      logger,
	}
}

// Upload transfers root/rel to the sink, re-uploading on checksum
// mismatch up to MaxAttempts times before reporting terminal failure.
func (u *Uploader) Upload(ctx context.Context, root, rel string, sink Sink) error {
	localSum, _, err := ChecksumFile(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= u.MaxAttempts; attempt++ {
		if err := u.uploadOnce(ctx, root, rel, sink); err != nil {
			return err
		}

		remoteSum, err := sink.Commit(ctx, rel)
		if err != nil {
			return fmt.Errorf("failed to commit %s: %w", rel, err)
		}
		if remoteSum == localSum {
			if attempt > 1 {
				u.Logger.Printf("Upload of %s verified on attempt %d", rel, attempt)
			}
			return nil
		}

		lastErr = fmt.Errorf("checksum mismatch for %s: local %s, remote %s", rel, localSum, remoteSum)
		u.Logger.Printf("Attempt %d/%d: %v", attempt, u.MaxAttempts, lastErr)
	}
	return fmt.Errorf("upload of %s failed after %d attempts: %w", rel, u.MaxAttempts, lastErr)
}

func (u *Uploader) uploadOnce(ctx context.Context, root, rel string, sink Sink) error {
	f, err := os.Open(filepath.Join(root, filepath.FromSlash(rel)))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", rel, err)
	}
	defer f.Close()

	buf := make([]byte, u.ChunkSize)
	var offset int64
	for {
		if err := ctx.Err(); err != nil {
			_ = sink.Abort(ctx, rel)
			return err
		}

		n, err := f.Read(buf)
		if n > 0 {
			if werr := sink.WriteChunk(ctx, rel, offset, buf[:n]); werr != nil {
				_ = sink.Abort(ctx, rel)
				return fmt.Errorf("failed to send chunk of %s at %d: %w", rel, offset, werr)
			}
			offset += int64(n)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			_ = sink.Abort(ctx, rel)
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
	}
}

// SyncDir uploads every tracked file under root that is missing or
// stale on the remote. Per-file failures are collected so one bad file
// does not stop the rest.
func (u *Uploader) SyncDir(ctx context.Context, root string, m *Manifest, remote []FileChecksum, sink Sink) (uploaded int, errs []error) {
	local, err := ListChecksums(root, m)
	if err != nil {
		return 0, []error{err}
	}

	for _, fc := range Diff(local, remote) {
		if err := u.Upload(ctx, root, fc.Path, sink); err != nil {
			errs = append(errs, err)
			continue
		}
		uploaded++
	}
	return uploaded, errs
}

// Package fetch retrieves job sources over HTTP into the local staging
// directory.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"

	apperrors "github.com/fetchrelay/backend/internal/errors"
	"github.com/fetchrelay/backend/internal/queue"
)

const (
	// MaxArtifactSize caps a single fetched artifact.
	MaxArtifactSize = 2 << 30 // 2 GiB

	progressChunk = 256 * 1024
)

// HTTPFetcher downloads a source URL to the staging directory. Network and
// server-side failures are transient so the retry policy can requeue;
// client-side failures (bad status) fail the attempt permanently.
type HTTPFetcher struct {
	client     *http.Client
	stagingDir string
}

// New creates a fetcher writing into stagingDir.
func New(stagingDir string) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: 0, // the pipeline's step timeout bounds the whole fetch
		},
		stagingDir: stagingDir,
	}
}

// Fetch implements the worker pool's Fetcher. The artifact is staged under
// a per-job name so concurrent jobs never collide.
func (f *HTTPFetcher) Fetch(ctx context.Context, job *queue.Job, progress func(int)) (string, error) {
	if err := os.MkdirAll(f.stagingDir, 0o755); err != nil {
		return "", apperrors.StorageError("failed to create staging dir").WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.Source, nil)
	if err != nil {
		return "", apperrors.BadRequest("source url is not fetchable").WithCause(err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", apperrors.TransientIO("fetch request failed").WithCause(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return "", apperrors.TransientIO(fmt.Sprintf("source returned status %d", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", apperrors.TransientIO("source rate limited the fetch")
	case resp.StatusCode != http.StatusOK:
		return "", apperrors.BadRequest(fmt.Sprintf("source returned status %d", resp.StatusCode))
	}

	if resp.ContentLength > MaxArtifactSize {
		return "", apperrors.ValidationError("artifact exceeds the size limit")
	}

	localPath := filepath.Join(f.stagingDir, stagedName(job))

	file, err := os.Create(localPath)
	if err != nil {
		return "", apperrors.StorageError("failed to create staged file").WithCause(err)
	}
	defer file.Close()

	written, err := copyWithProgress(ctx, file, resp.Body, resp.ContentLength, progress)
	if err != nil {
		os.Remove(localPath)
		if ctx.Err() != nil {
			return "", apperrors.TransientIO("fetch timed out").WithCause(ctx.Err())
		}
		return "", apperrors.TransientIO("fetch interrupted").WithCause(err)
	}
	if written > MaxArtifactSize {
		os.Remove(localPath)
		return "", apperrors.ValidationError("artifact exceeds the size limit")
	}

	return localPath, nil
}

// stagedName derives a collision-free staging file name from the job ID and
// the source URL's base name.
func stagedName(job *queue.Job) string {
	base := path.Base(job.Source)
	if base == "" || base == "." || base == "/" {
		base = "artifact"
	}
	if len(base) > 128 {
		base = base[:128]
	}
	return fmt.Sprintf("%s_%s", job.ID, base)
}

// copyWithProgress streams body to dst, reporting percentage when the total
// size is known and throttling progress callbacks to chunk boundaries.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress func(int)) (int64, error) {
	var written int64
	var lastReport int64
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if written > MaxArtifactSize {
				return written, nil
			}

			if progress != nil && total > 0 && written-lastReport >= progressChunk {
				progress(int(written * 100 / total))
				lastReport = written
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, readErr
		}
	}

	if progress != nil {
		progress(100)
	}

	return written, nil
}

// Package process validates fetched artifacts and normalizes their names
// before delivery.
package process

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	apperrors "github.com/fetchrelay/backend/internal/errors"
	"github.com/fetchrelay/backend/internal/queue"
)

const maxNameLength = 160

// Processor checks a staged artifact and renames it to a normalized,
// delivery-safe file name. Implements the worker pool's Processor.
type Processor struct{}

// New creates a processor.
func New() *Processor {
	return &Processor{}
}

// Process validates the staged artifact and returns its normalized path. A
// missing or empty artifact is a processing failure, never retried.
func (p *Processor) Process(ctx context.Context, job *queue.Job, localPath string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", apperrors.ProcessingError("staged artifact is missing").WithCause(err)
	}
	if info.IsDir() {
		return "", apperrors.ProcessingError("staged artifact is a directory")
	}
	if info.Size() == 0 {
		return "", apperrors.ProcessingError("staged artifact is empty")
	}

	normalized := NormalizeName(filepath.Base(localPath))
	if normalized == filepath.Base(localPath) {
		return localPath, nil
	}

	target := filepath.Join(filepath.Dir(localPath), normalized)
	if err := os.Rename(localPath, target); err != nil {
		return "", apperrors.ProcessingError("failed to normalize artifact name").WithCause(err)
	}

	return target, nil
}

// NormalizeName folds an artifact name to a safe ASCII-ish form: combining
// marks are stripped, path separators and control characters become
// underscores, and the result is length-capped while keeping the extension.
func NormalizeName(name string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	for _, r := range folded {
		switch {
		case unicode.IsControl(r), r == '/', r == '\\', r == ':':
			b.WriteRune('_')
		case unicode.IsSpace(r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()

	if len(out) > maxNameLength {
		ext := filepath.Ext(out)
		if len(ext) > 16 {
			ext = ""
		}
		out = out[:maxNameLength-len(ext)] + ext
	}
	if out == "" {
		out = "artifact"
	}
	return out
}

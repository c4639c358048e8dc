package storage

import (
	"bytes"
	"context"
	"log/slog"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/DukeRupert/gatekeeper/internal/metrics"
)

// DefaultArchiveName is used when a submission arrives without a usable
// filename.
const DefaultArchiveName = "document.pdf"

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ArtifactKey returns the archive key for an attempt's document.
// Format: attempts/{attemptID}/{filename}
func ArtifactKey(attemptID, filename string) string {
	return path.Join("attempts", attemptID, sanitizeName(filename))
}

func sanitizeName(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Trim(unsafeNameChars.ReplaceAllString(name, "_"), "._")
	if name == "" {
		return DefaultArchiveName
	}
	return name
}

// Archive keeps a copy of each consumed submission.
type Archive struct {
	storage Storage
	logger  *slog.Logger
}

// NewArchive wraps a Storage backend.
func NewArchive(s Storage, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{storage: s, logger: logger}
}

// Store saves data for attemptID and returns its key. Failures are logged
// and counted; callers may ignore the error.
func (a *Archive) Store(ctx context.Context, attemptID, filename string, data []byte) (string, error) {
	key := ArtifactKey(attemptID, filename)

	err := a.storage.Put(ctx, key, bytes.NewReader(data), PutOptions{
		ContentType: ContentTypePDF,
		Overwrite:   true,
	})
	if err != nil {
		metrics.ArchiveFailures.Inc()
		a.logger.Warn("failed to archive document",
			"attempt_id", attemptID,
			"key", key,
			"error", err,
		)
		return "", err
	}

	a.logger.Debug("archived document", "attempt_id", attemptID, "key", key, "size", len(data))
	return key, nil
}

// URL returns a link to the archived document, or ErrNotFound.
func (a *Archive) URL(ctx context.Context, attemptID, filename string, expires time.Duration) (string, error) {
	key := ArtifactKey(attemptID, filename)
	ok, err := a.storage.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &StorageError{Op: "URL", Key: key, Err: ErrNotFound}
	}
	return a.storage.URL(ctx, key, expires)
}

// Remove deletes the archived document for an attempt.
func (a *Archive) Remove(ctx context.Context, attemptID, filename string) error {
	return a.storage.Delete(ctx, ArtifactKey(attemptID, filename))
}

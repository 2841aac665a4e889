package pipeline

import (
	"context"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"opqo-media/internal/media"
	"opqo-media/internal/observability/metrics"
	"opqo-media/internal/storage"
)

const (
	defaultPublishAttempts = 4
	defaultPublishBackoff  = 500 * time.Millisecond
)

// Publisher copies rendition output and master manifests into object storage.
// Transient upload failures are retried with exponential backoff and jitter;
// exhaustion surfaces as a StorageError for the caller to fail just that
// rendition.
type Publisher struct {
	objects     storage.ObjectStorage
	workRoot    string
	maxAttempts int
	baseBackoff time.Duration
	logger      *slog.Logger
	metrics     *metrics.Recorder
	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(context.Context, time.Duration) error
}

func NewPublisher(objects storage.ObjectStorage, workRoot string, maxAttempts int, baseBackoff time.Duration, logger *slog.Logger, recorder *metrics.Recorder) *Publisher {
	if maxAttempts <= 0 {
		maxAttempts = defaultPublishAttempts
	}
	if baseBackoff <= 0 {
		baseBackoff = defaultPublishBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Publisher{
		objects:     objects,
		workRoot:    workRoot,
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		logger:      logger,
		metrics:     recorder,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PublishRendition uploads every file in a rendition's output directory
// (segments first, sub-playlist last) under <videoID>/<label>/.
func (p *Publisher) PublishRendition(ctx context.Context, videoID, label string) error {
	const op = "pipeline.Publisher.PublishRendition"

	dir := filepath.Join(p.workRoot, videoID, label)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return media.Storagef(op, "read rendition dir: %v", err)
	}

	var playlists []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if filepath.Ext(name) == ".m3u8" {
			playlists = append(playlists, name)
			continue
		}
		if err := p.uploadFile(ctx, videoID, label, dir, name); err != nil {
			return err
		}
	}
	// Sub-playlists go last so a reader never sees a playlist referencing
	// segments that are still uploading.
	for _, name := range playlists {
		if err := p.uploadFile(ctx, videoID, label, dir, name); err != nil {
			return err
		}
	}
	p.metrics.ObservePublish("rendition")
	p.logger.Info("rendition published", "video_id", videoID, "target", label, "files", len(entries))
	return nil
}

// PublishManifest uploads the master playlist to <videoID>/master.m3u8.
func (p *Publisher) PublishManifest(ctx context.Context, videoID, playlist string) error {
	key := videoID + "/master.m3u8"
	if err := p.uploadWithRetry(ctx, key, []byte(playlist)); err != nil {
		return err
	}
	p.metrics.ObservePublish("manifest")
	return nil
}

func (p *Publisher) uploadFile(ctx context.Context, videoID, label, dir, name string) error {
	const op = "pipeline.Publisher.PublishRendition"

	body, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return media.Storagef(op, "read %s: %v", name, err)
	}
	key := videoID + "/" + label + "/" + name
	return p.uploadWithRetry(ctx, key, body)
}

func (p *Publisher) uploadWithRetry(ctx context.Context, key string, body []byte) error {
	const op = "pipeline.Publisher"

	contentType := storage.ContentTypeForKey(key)
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := p.baseBackoff << (attempt - 1)
			backoff += time.Duration(rand.Int63n(int64(p.baseBackoff)))
			if err := p.sleep(ctx, backoff); err != nil {
				return media.Storagef(op, "upload %s: %v", key, err)
			}
		}
		attempts = attempt + 1
		_, err := p.objects.Upload(ctx, key, contentType, body)
		if err == nil {
			return nil
		}
		lastErr = err
		p.logger.Warn("upload failed", "key", key, "attempt", attempts, "error", err)
		if ctx.Err() != nil {
			break
		}
		if !media.Retryable(err) {
			// Only storage-tagged failures are transient; anything else will
			// fail the same way on the next attempt.
			break
		}
	}
	return media.Storagef(op, "upload %s after %d attempts: %v", key, attempts, lastErr)
}

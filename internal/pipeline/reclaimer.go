package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"opqo-media/internal/media"
	"opqo-media/internal/observability/metrics"
	"opqo-media/internal/storage"
)

// Reclaimer removes every local and remote resource a video has accumulated:
// staging chunks, the assembled source and rendition outputs, the local
// master playlist, and all published objects under the video's key prefix.
type Reclaimer struct {
	chunks   *ChunkStore
	manifest *ManifestAggregator
	objects  storage.ObjectStorage
	workRoot string
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

func NewReclaimer(chunks *ChunkStore, manifest *ManifestAggregator, objects storage.ObjectStorage, workRoot string, logger *slog.Logger, recorder *metrics.Recorder) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Reclaimer{
		chunks:   chunks,
		manifest: manifest,
		objects:  objects,
		workRoot: workRoot,
		logger:   logger,
		metrics:  recorder,
	}
}

// Reclaim deletes local artifacts first, then pages through the remote prefix
// issuing batch deletes until no continuation token remains. Missing paths
// and already-deleted objects are not errors.
func (r *Reclaimer) Reclaim(ctx context.Context, videoID string) error {
	const op = "pipeline.Reclaimer.Reclaim"

	if err := r.chunks.RemoveStaging(videoID); err != nil {
		return media.Storagef(op, "%v", err)
	}
	if err := r.manifest.Delete(videoID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(r.workRoot, videoID)); err != nil {
		return media.Storagef(op, "remove work dir: %v", err)
	}

	if err := r.reclaimRemote(ctx, videoID); err != nil {
		return err
	}
	r.metrics.ObserveReclaim("succeeded")
	r.logger.Info("video resources reclaimed", "video_id", videoID)
	return nil
}

func (r *Reclaimer) reclaimRemote(ctx context.Context, videoID string) error {
	const op = "pipeline.Reclaimer.Reclaim"

	if r.objects == nil || !r.objects.Enabled() {
		return nil
	}
	prefix := videoID + "/"
	token := ""
	for {
		page, err := r.objects.List(ctx, prefix, token)
		if err != nil {
			return media.Storagef(op, "list %s: %v", prefix, err)
		}
		if len(page.Keys) > 0 {
			if err := r.objects.DeleteBatch(ctx, page.Keys); err != nil {
				return media.Storagef(op, "delete batch under %s: %v", prefix, err)
			}
		}
		if !page.Truncated || page.NextToken == "" {
			return nil
		}
		token = page.NextToken
	}
}

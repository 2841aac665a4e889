package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"opqo-media/internal/media"
	"opqo-media/internal/models"
	"opqo-media/internal/storage"
)

// Assembler joins staged chunks into a single source file under the work
// directory, guarded by a compare-and-swap state transition so a video is
// assembled exactly once.
type Assembler struct {
	chunks   *ChunkStore
	repo     storage.Repository
	workRoot string
	logger   *slog.Logger
}

func NewAssembler(chunks *ChunkStore, repo storage.Repository, workRoot string, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{chunks: chunks, repo: repo, workRoot: workRoot, logger: logger}
}

// WorkDir returns the per-video work directory holding the assembled source
// and rendition outputs.
func (a *Assembler) WorkDir(videoID string) string {
	return filepath.Join(a.workRoot, videoID)
}

// SourcePath returns where the assembled source file for a video lives.
func (a *Assembler) SourcePath(video models.VideoAsset) string {
	ext := video.Extension
	if ext == "" {
		ext = ".bin"
	}
	return filepath.Join(a.WorkDir(video.ID), "source"+ext)
}

// Assemble concatenates all staged chunks in index order into the source
// file. The chunks_pending to assembled transition happens up front; a caller
// losing that race gets a ConflictError and must treat it as another worker
// having won. Each staged chunk is deleted right after it has been appended.
// On failure the state rolls back to chunks_pending so the client can resume.
func (a *Assembler) Assemble(ctx context.Context, videoID string) (models.VideoAsset, string, error) {
	const op = "pipeline.Assembler.Assemble"

	video, ok := a.repo.GetVideo(videoID)
	if !ok {
		return models.VideoAsset{}, "", media.NotFoundf(op, "video %s not found", videoID)
	}
	received := a.repo.CountChunks(videoID)
	if received != video.ChunkCount {
		return models.VideoAsset{}, "", media.Conflictf(op, "video %s has %d of %d chunks", videoID, received, video.ChunkCount)
	}

	video, err := a.repo.TransitionVideoState(videoID, models.VideoStateChunksPending, models.VideoStateAssembled)
	if err != nil {
		return models.VideoAsset{}, "", err
	}

	source := a.SourcePath(video)
	if err := a.writeSource(ctx, video, source); err != nil {
		if _, rollbackErr := a.repo.TransitionVideoState(videoID, models.VideoStateAssembled, models.VideoStateChunksPending); rollbackErr != nil {
			a.logger.Error("assembly rollback failed", "video_id", videoID, "error", rollbackErr)
		}
		return models.VideoAsset{}, "", err
	}

	if err := a.repo.DeleteChunks(videoID); err != nil {
		a.logger.Warn("failed to clear chunk records", "video_id", videoID, "error", err)
	}
	if err := a.chunks.RemoveStaging(videoID); err != nil {
		a.logger.Warn("failed to remove staging dir", "video_id", videoID, "error", err)
	}
	a.logger.Info("video assembled", "video_id", videoID, "chunks", video.ChunkCount, "source", source)
	return video, source, nil
}

func (a *Assembler) writeSource(ctx context.Context, video models.VideoAsset, source string) error {
	const op = "pipeline.Assembler.Assemble"

	if err := os.MkdirAll(filepath.Dir(source), 0o755); err != nil {
		return media.Storagef(op, "create work dir: %v", err)
	}
	dest, err := os.OpenFile(source, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return media.Storagef(op, "create source file: %v", err)
	}
	success := false
	defer func() {
		if !success {
			_ = dest.Close()
			_ = os.Remove(source)
		}
	}()

	for index := 0; index < video.ChunkCount; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.appendChunk(dest, video.ID, index); err != nil {
			return err
		}
	}

	if err := dest.Sync(); err != nil {
		return media.Storagef(op, "flush source file: %v", err)
	}
	if err := dest.Close(); err != nil {
		return media.Storagef(op, "close source file: %v", err)
	}
	success = true
	return nil
}

func (a *Assembler) appendChunk(dest io.Writer, videoID string, index int) error {
	const op = "pipeline.Assembler.Assemble"

	path := a.chunks.ChunkPath(videoID, index)
	chunk, err := os.Open(path)
	if err != nil {
		// Drop the stale receipt so the client sees the chunk as missing and
		// re-uploads it after the rollback to chunks_pending.
		if dropErr := a.chunks.Consume(videoID, index); dropErr != nil {
			a.logger.Warn("failed to drop stale chunk record", "video_id", videoID, "index", index, "error", dropErr)
		}
		return media.Consistencyf(op, "chunk %d recorded but blob missing: %v", index, err)
	}
	_, err = io.Copy(dest, chunk)
	closeErr := chunk.Close()
	if err != nil {
		return media.Storagef(op, "append chunk %d: %v", index, err)
	}
	if closeErr != nil {
		return media.Storagef(op, "close chunk %d: %v", index, closeErr)
	}
	if err := a.chunks.Consume(videoID, index); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

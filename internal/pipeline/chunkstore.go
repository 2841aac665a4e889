package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"opqo-media/internal/media"
	"opqo-media/internal/models"
	"opqo-media/internal/storage"
)

// ChunkStore stages uploaded chunk blobs on the local filesystem and records
// their receipt in the repository. Chunk files live under
// <root>/<videoID>/<index> until assembly consumes them.
type ChunkStore struct {
	root string
	repo storage.Repository
}

func NewChunkStore(root string, repo storage.Repository) *ChunkStore {
	return &ChunkStore{root: root, repo: repo}
}

// StagingDir returns the directory holding a video's staged chunks.
func (s *ChunkStore) StagingDir(videoID string) string {
	return filepath.Join(s.root, videoID)
}

// ChunkPath returns the staged location of one chunk.
func (s *ChunkStore) ChunkPath(videoID string, index int) string {
	return filepath.Join(s.StagingDir(videoID), strconv.Itoa(index))
}

// Put stages a chunk's bytes and records it. Re-uploading an index overwrites
// the previous blob, which makes client retries safe.
func (s *ChunkStore) Put(ctx context.Context, videoID string, index int, r io.Reader) (int64, error) {
	const op = "pipeline.ChunkStore.Put"

	video, ok := s.repo.GetVideo(videoID)
	if !ok {
		return 0, media.NotFoundf(op, "video %s not found", videoID)
	}
	if index < 0 || index >= video.ChunkCount {
		return 0, media.Validationf(op, "chunk index %d out of range [0,%d)", index, video.ChunkCount)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dir := s.StagingDir(videoID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, media.Storagef(op, "create staging dir: %v", err)
	}
	size, err := writeAtomic(dir, s.ChunkPath(videoID, index), r)
	if err != nil {
		return 0, media.Storagef(op, "stage chunk %d: %v", index, err)
	}

	if err := s.repo.PutChunk(models.ChunkRecord{VideoID: videoID, Index: index, SizeBytes: size}); err != nil {
		return 0, err
	}
	if video.State == models.VideoStateMetadataRegistered {
		// The first chunk moves the video into the upload phase. Losing the
		// race to another uploader is fine.
		if _, err := s.repo.TransitionVideoState(videoID, models.VideoStateMetadataRegistered, models.VideoStateChunksPending); err != nil && media.KindOf(err) != media.KindConflict {
			return 0, err
		}
	}
	return size, nil
}

// Exists reports whether a chunk has been received.
func (s *ChunkStore) Exists(videoID string, index int) bool {
	return s.repo.HasChunk(videoID, index)
}

// Consume drops both the receipt record and the staged blob for one chunk, so
// a later Exists check reflects that the bytes are gone.
func (s *ChunkStore) Consume(videoID string, index int) error {
	if err := s.repo.DeleteChunk(videoID, index); err != nil {
		return err
	}
	return s.RemoveChunk(videoID, index)
}

// RemoveChunk deletes one staged blob. Absence is not an error.
func (s *ChunkStore) RemoveChunk(videoID string, index int) error {
	err := os.Remove(s.ChunkPath(videoID, index))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove chunk %d: %w", index, err)
	}
	return nil
}

// RemoveStaging deletes a video's entire staging directory.
func (s *ChunkStore) RemoveStaging(videoID string) error {
	if err := os.RemoveAll(s.StagingDir(videoID)); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	return nil
}

// writeAtomic streams r into path via a temp file in dir and a final rename,
// returning the byte count written.
func writeAtomic(dir, path string, r io.Reader) (int64, error) {
	tmpFile, err := os.CreateTemp(dir, "chunk-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	size, err := io.Copy(tmpFile, r)
	if err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return 0, fmt.Errorf("flush: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, fmt.Errorf("replace: %w", err)
	}
	success = true
	return size, nil
}

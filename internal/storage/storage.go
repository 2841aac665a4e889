package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"opqo-media/internal/media"
	"opqo-media/internal/models"
)

type dataset struct {
	Videos        map[string]models.VideoAsset              `json:"videos"`
	Chunks        map[string]map[int]models.ChunkRecord     `json:"chunks"`
	RenditionJobs map[string]map[string]models.RenditionJob `json:"renditionJobs"`
	Manifests     map[string]models.MasterManifest          `json:"manifests"`
}

// Storage persists the pipeline dataset as a single JSON document guarded by
// an in-process lock. Every mutation operates on a cloned dataset, persists
// it, and only then swaps the in-memory view, so a failed write never leaves
// partially applied state behind.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
}

func newDataset() dataset {
	return dataset{
		Videos:        make(map[string]models.VideoAsset),
		Chunks:        make(map[string]map[int]models.ChunkRecord),
		RenditionJobs: make(map[string]map[string]models.RenditionJob),
		Manifests:     make(map[string]models.MasterManifest),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Videos == nil {
		s.data.Videos = make(map[string]models.VideoAsset)
	}
	if s.data.Chunks == nil {
		s.data.Chunks = make(map[string]map[int]models.ChunkRecord)
	}
	if s.data.RenditionJobs == nil {
		s.data.RenditionJobs = make(map[string]map[string]models.RenditionJob)
	}
	if s.data.Manifests == nil {
		s.data.Manifests = make(map[string]models.MasterManifest)
	}
}

func NewStorage(path string, opts ...Option) (*Storage, error) {
	store := &Storage{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()

	return nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneDataset(src dataset) dataset {
	clone := newDataset()

	for id, video := range src.Videos {
		clone.Videos[id] = cloneVideo(video)
	}
	for videoID, chunks := range src.Chunks {
		cloned := make(map[int]models.ChunkRecord, len(chunks))
		for index, record := range chunks {
			cloned[index] = record
		}
		clone.Chunks[videoID] = cloned
	}
	for videoID, jobs := range src.RenditionJobs {
		cloned := make(map[string]models.RenditionJob, len(jobs))
		for target, job := range jobs {
			cloned[target] = cloneRenditionJob(job)
		}
		clone.RenditionJobs[videoID] = cloned
	}
	for videoID, manifest := range src.Manifests {
		clone.Manifests[videoID] = cloneManifest(manifest)
	}

	return clone
}

func cloneVideo(video models.VideoAsset) models.VideoAsset {
	cloned := video
	if video.ReadyAt != nil {
		ready := *video.ReadyAt
		cloned.ReadyAt = &ready
	}
	return cloned
}

func cloneRenditionJob(job models.RenditionJob) models.RenditionJob {
	cloned := job
	if job.StartedAt != nil {
		started := *job.StartedAt
		cloned.StartedAt = &started
	}
	if job.FinishedAt != nil {
		finished := *job.FinishedAt
		cloned.FinishedAt = &finished
	}
	return cloned
}

func cloneManifest(manifest models.MasterManifest) models.MasterManifest {
	cloned := manifest
	if manifest.Entries != nil {
		cloned.Entries = append([]models.ManifestEntry(nil), manifest.Entries...)
	}
	return cloned
}

// Ping reports whether the backing file is writable.
func (s *Storage) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return media.Storagef("ping", "create data dir: %v", err)
	}
	return nil
}

func (s *Storage) CreateVideo(params CreateVideoParams) (models.VideoAsset, error) {
	hash := strings.TrimSpace(params.ContentHash)
	if hash == "" {
		return models.VideoAsset{}, media.Validationf("storage.CreateVideo", "content hash is required")
	}
	if params.ChunkCount <= 0 {
		return models.VideoAsset{}, media.Validationf("storage.CreateVideo", "chunk count must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Videos {
		if existing.ContentHash == hash {
			return models.VideoAsset{}, media.Conflictf("storage.CreateVideo", "content hash %s already registered as video %s", hash, existing.ID)
		}
	}

	now := s.now()
	video := models.VideoAsset{
		ID:              uuid.NewString(),
		ContentHash:     hash,
		Width:           params.Width,
		Height:          params.Height,
		DurationSeconds: params.DurationSeconds,
		Extension:       params.Extension,
		SizeBytes:       params.SizeBytes,
		ChunkCount:      params.ChunkCount,
		State:           models.VideoStateMetadataRegistered,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	updated := cloneDataset(s.data)
	updated.Videos[video.ID] = video
	if err := s.persistDataset(updated); err != nil {
		return models.VideoAsset{}, media.Storagef("storage.CreateVideo", "persist: %v", err)
	}
	s.data = updated
	return cloneVideo(video), nil
}

func (s *Storage) GetVideo(id string) (models.VideoAsset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	video, ok := s.data.Videos[id]
	if !ok {
		return models.VideoAsset{}, false
	}
	return cloneVideo(video), true
}

func (s *Storage) FindVideoByHash(hash string) (models.VideoAsset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, video := range s.data.Videos {
		if video.ContentHash == hash {
			return cloneVideo(video), true
		}
	}
	return models.VideoAsset{}, false
}

func (s *Storage) ListVideos() []models.VideoAsset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	videos := make([]models.VideoAsset, 0, len(s.data.Videos))
	for _, video := range s.data.Videos {
		videos = append(videos, cloneVideo(video))
	}
	sort.Slice(videos, func(i, j int) bool {
		return videos[i].CreatedAt.Before(videos[j].CreatedAt)
	})
	return videos
}

// TransitionVideoState moves a video from one lifecycle state to another. The
// transition is applied only when the stored state still matches from, so
// concurrent finalize attempts resolve to a single winner.
func (s *Storage) TransitionVideoState(id string, from, to models.VideoState) (models.VideoAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.VideoAsset{}, media.NotFoundf("storage.TransitionVideoState", "video %s not found", id)
	}
	if video.State != from {
		return models.VideoAsset{}, media.Conflictf("storage.TransitionVideoState", "video %s is %s, expected %s", id, video.State, from)
	}

	video.State = to
	video.UpdatedAt = s.now()

	updated := cloneDataset(s.data)
	updated.Videos[id] = video
	if err := s.persistDataset(updated); err != nil {
		return models.VideoAsset{}, media.Storagef("storage.TransitionVideoState", "persist: %v", err)
	}
	s.data = updated
	return cloneVideo(video), nil
}

func (s *Storage) UpdateVideo(id string, update VideoUpdate) (models.VideoAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[id]
	if !ok {
		return models.VideoAsset{}, media.NotFoundf("storage.UpdateVideo", "video %s not found", id)
	}
	if update.State != nil {
		video.State = *update.State
	}
	if update.Error != nil {
		video.Error = *update.Error
	}
	if update.ReadyAt != nil {
		ready := *update.ReadyAt
		video.ReadyAt = &ready
	}
	video.UpdatedAt = s.now()

	updated := cloneDataset(s.data)
	updated.Videos[id] = video
	if err := s.persistDataset(updated); err != nil {
		return models.VideoAsset{}, media.Storagef("storage.UpdateVideo", "persist: %v", err)
	}
	s.data = updated
	return cloneVideo(video), nil
}

func (s *Storage) DeleteVideo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Videos[id]; !ok {
		return media.NotFoundf("storage.DeleteVideo", "video %s not found", id)
	}

	updated := cloneDataset(s.data)
	delete(updated.Videos, id)
	delete(updated.Chunks, id)
	delete(updated.RenditionJobs, id)
	delete(updated.Manifests, id)
	if err := s.persistDataset(updated); err != nil {
		return media.Storagef("storage.DeleteVideo", "persist: %v", err)
	}
	s.data = updated
	return nil
}

func (s *Storage) PutChunk(record models.ChunkRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	video, ok := s.data.Videos[record.VideoID]
	if !ok {
		return media.NotFoundf("storage.PutChunk", "video %s not found", record.VideoID)
	}
	if record.Index < 0 || record.Index >= video.ChunkCount {
		return media.Validationf("storage.PutChunk", "chunk index %d out of range [0,%d)", record.Index, video.ChunkCount)
	}
	if record.ReceivedAt.IsZero() {
		record.ReceivedAt = s.now()
	}

	updated := cloneDataset(s.data)
	chunks := updated.Chunks[record.VideoID]
	if chunks == nil {
		chunks = make(map[int]models.ChunkRecord)
		updated.Chunks[record.VideoID] = chunks
	}
	chunks[record.Index] = record
	if err := s.persistDataset(updated); err != nil {
		return media.Storagef("storage.PutChunk", "persist: %v", err)
	}
	s.data = updated
	return nil
}

func (s *Storage) HasChunk(videoID string, index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks, ok := s.data.Chunks[videoID]
	if !ok {
		return false
	}
	_, ok = chunks[index]
	return ok
}

func (s *Storage) CountChunks(videoID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data.Chunks[videoID])
}

func (s *Storage) ListChunkIndexes(videoID string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunks := s.data.Chunks[videoID]
	indexes := make([]int, 0, len(chunks))
	for index := range chunks {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	return indexes
}

func (s *Storage) DeleteChunk(videoID string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks, ok := s.data.Chunks[videoID]
	if !ok {
		return nil
	}
	if _, ok := chunks[index]; !ok {
		return nil
	}
	updated := cloneDataset(s.data)
	delete(updated.Chunks[videoID], index)
	if err := s.persistDataset(updated); err != nil {
		return media.Storagef("storage.DeleteChunk", "persist: %v", err)
	}
	s.data = updated
	return nil
}

func (s *Storage) DeleteChunks(videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Chunks[videoID]; !ok {
		return nil
	}
	updated := cloneDataset(s.data)
	delete(updated.Chunks, videoID)
	if err := s.persistDataset(updated); err != nil {
		return media.Storagef("storage.DeleteChunks", "persist: %v", err)
	}
	s.data = updated
	return nil
}

func (s *Storage) CreateRenditionJob(job models.RenditionJob) (models.RenditionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Videos[job.VideoID]; !ok {
		return models.RenditionJob{}, media.NotFoundf("storage.CreateRenditionJob", "video %s not found", job.VideoID)
	}
	if strings.TrimSpace(job.Target) == "" {
		return models.RenditionJob{}, media.Validationf("storage.CreateRenditionJob", "rendition target is required")
	}
	if jobs := s.data.RenditionJobs[job.VideoID]; jobs != nil {
		if _, exists := jobs[job.Target]; exists {
			return models.RenditionJob{}, media.Conflictf("storage.CreateRenditionJob", "rendition %s already exists for video %s", job.Target, job.VideoID)
		}
	}
	if job.State == "" {
		job.State = models.RenditionStateQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}

	updated := cloneDataset(s.data)
	jobs := updated.RenditionJobs[job.VideoID]
	if jobs == nil {
		jobs = make(map[string]models.RenditionJob)
		updated.RenditionJobs[job.VideoID] = jobs
	}
	jobs[job.Target] = job
	if err := s.persistDataset(updated); err != nil {
		return models.RenditionJob{}, media.Storagef("storage.CreateRenditionJob", "persist: %v", err)
	}
	s.data = updated
	return cloneRenditionJob(job), nil
}

func (s *Storage) UpdateRenditionJob(videoID, target string, state models.RenditionState, jobErr string) (models.RenditionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, ok := s.data.RenditionJobs[videoID]
	if !ok {
		return models.RenditionJob{}, media.NotFoundf("storage.UpdateRenditionJob", "video %s has no rendition jobs", videoID)
	}
	job, ok := jobs[target]
	if !ok {
		return models.RenditionJob{}, media.NotFoundf("storage.UpdateRenditionJob", "rendition %s not found for video %s", target, videoID)
	}

	now := s.now()
	job.State = state
	job.Error = jobErr
	switch state {
	case models.RenditionStateRunning:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case models.RenditionStateSucceeded, models.RenditionStateFailed, models.RenditionStateCancelled:
		if job.FinishedAt == nil {
			job.FinishedAt = &now
		}
	}

	updated := cloneDataset(s.data)
	updated.RenditionJobs[videoID][target] = job
	if err := s.persistDataset(updated); err != nil {
		return models.RenditionJob{}, media.Storagef("storage.UpdateRenditionJob", "persist: %v", err)
	}
	s.data = updated
	return cloneRenditionJob(job), nil
}

func (s *Storage) ListRenditionJobs(videoID string) []models.RenditionJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobs := s.data.RenditionJobs[videoID]
	listed := make([]models.RenditionJob, 0, len(jobs))
	for _, job := range jobs {
		listed = append(listed, cloneRenditionJob(job))
	}
	sort.Slice(listed, func(i, j int) bool {
		return listed[i].Target < listed[j].Target
	})
	return listed
}

func (s *Storage) GetManifest(videoID string) (models.MasterManifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	manifest, ok := s.data.Manifests[videoID]
	if !ok {
		return models.MasterManifest{}, false
	}
	return cloneManifest(manifest), true
}

func (s *Storage) SaveManifest(manifest models.MasterManifest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Videos[manifest.VideoID]; !ok {
		return media.NotFoundf("storage.SaveManifest", "video %s not found", manifest.VideoID)
	}
	if manifest.UpdatedAt.IsZero() {
		manifest.UpdatedAt = s.now()
	}

	updated := cloneDataset(s.data)
	updated.Manifests[manifest.VideoID] = cloneManifest(manifest)
	if err := s.persistDataset(updated); err != nil {
		return media.Storagef("storage.SaveManifest", "persist: %v", err)
	}
	s.data = updated
	return nil
}

func (s *Storage) DeleteManifest(videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data.Manifests[videoID]; !ok {
		return nil
	}
	updated := cloneDataset(s.data)
	delete(updated.Manifests, videoID)
	if err := s.persistDataset(updated); err != nil {
		return media.Storagef("storage.DeleteManifest", "persist: %v", err)
	}
	s.data = updated
	return nil
}

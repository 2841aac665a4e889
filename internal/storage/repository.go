package storage

import (
	"context"
	"time"

	"opqo-media/internal/models"
)

// CreateVideoParams captures the metadata supplied when a video asset is
// registered, before any chunk has been received.
type CreateVideoParams struct {
	ContentHash     string
	Width           int
	Height          int
	DurationSeconds float64
	Extension       string
	SizeBytes       int64
	ChunkCount      int
}

// VideoUpdate mutates mutable fields on a stored video asset. Nil fields are
// left untouched.
type VideoUpdate struct {
	State   *models.VideoState
	Error   *string
	ReadyAt *time.Time
}

// Repository exposes the datastore operations required by the upload API and
// the transcode pipeline.
type Repository interface {
	Ping(ctx context.Context) error

	CreateVideo(params CreateVideoParams) (models.VideoAsset, error)
	GetVideo(id string) (models.VideoAsset, bool)
	FindVideoByHash(hash string) (models.VideoAsset, bool)
	ListVideos() []models.VideoAsset
	TransitionVideoState(id string, from, to models.VideoState) (models.VideoAsset, error)
	UpdateVideo(id string, update VideoUpdate) (models.VideoAsset, error)
	DeleteVideo(id string) error

	PutChunk(record models.ChunkRecord) error
	HasChunk(videoID string, index int) bool
	CountChunks(videoID string) int
	ListChunkIndexes(videoID string) []int
	DeleteChunk(videoID string, index int) error
	DeleteChunks(videoID string) error

	CreateRenditionJob(job models.RenditionJob) (models.RenditionJob, error)
	UpdateRenditionJob(videoID, target string, state models.RenditionState, jobErr string) (models.RenditionJob, error)
	ListRenditionJobs(videoID string) []models.RenditionJob

	GetManifest(videoID string) (models.MasterManifest, bool)
	SaveManifest(manifest models.MasterManifest) error
	DeleteManifest(videoID string) error
}

var _ Repository = (*Storage)(nil)

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

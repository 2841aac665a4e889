package models

import "time"

// VideoState tracks a video asset through the upload and transcode lifecycle.
// Transitions only move forward; a failed pipeline may roll a video back to
// VideoStateChunksPending so missing chunks can be retried without
// re-uploading the ones already staged.
type VideoState string

const (
	// VideoStateMetadataRegistered means the asset record exists but no
	// chunk has been received yet.
	VideoStateMetadataRegistered VideoState = "metadata_registered"
	// VideoStateChunksPending means at least one chunk is staged and the
	// upload has not been finalized.
	VideoStateChunksPending VideoState = "chunks_pending"
	// VideoStateAssembled means all chunks were concatenated into a single
	// source blob and staging was cleared.
	VideoStateAssembled VideoState = "assembled"
	// VideoStateTranscoding means rendition encodes are in flight.
	VideoStateTranscoding VideoState = "transcoding"
	// VideoStateReady means at least one rendition has been published and
	// the master manifest is available from object storage.
	VideoStateReady VideoState = "ready"
	// VideoStateFailed means the pipeline gave up on the asset.
	VideoStateFailed VideoState = "failed"
)

var videoStateOrder = map[VideoState]int{
	VideoStateMetadataRegistered: 0,
	VideoStateChunksPending:      1,
	VideoStateAssembled:          2,
	VideoStateTranscoding:        3,
	VideoStateReady:              4,
	VideoStateFailed:             5,
}

// AtLeast reports whether the state has reached or passed other in the
// lifecycle ordering. Unknown states compare as earliest.
func (s VideoState) AtLeast(other VideoState) bool {
	return videoStateOrder[s] >= videoStateOrder[other]
}

// VideoAsset is the persisted record for one uploaded media file and its
// derived renditions.
type VideoAsset struct {
	ID              string     `json:"id"`
	ContentHash     string     `json:"contentHash"`
	Width           int        `json:"width"`
	Height          int        `json:"height"`
	DurationSeconds float64    `json:"durationSeconds"`
	Extension       string     `json:"extension"`
	SizeBytes       int64      `json:"sizeBytes"`
	ChunkCount      int        `json:"chunkCount"`
	State           VideoState `json:"state"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	ReadyAt         *time.Time `json:"readyAt,omitempty"`
}

// ChunkRecord marks the presence of one staged upload chunk. The pair
// (VideoID, Index) is unique; Index lies in [0, VideoAsset.ChunkCount).
type ChunkRecord struct {
	VideoID    string    `json:"videoId"`
	Index      int       `json:"index"`
	SizeBytes  int64     `json:"sizeBytes"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// RenditionState tracks a single rendition encode.
type RenditionState string

const (
	RenditionStateQueued    RenditionState = "queued"
	RenditionStateRunning   RenditionState = "running"
	RenditionStateSucceeded RenditionState = "succeeded"
	RenditionStateFailed    RenditionState = "failed"
	RenditionStateCancelled RenditionState = "cancelled"
)

// Terminal reports whether the rendition has reached an end state.
func (s RenditionState) Terminal() bool {
	switch s {
	case RenditionStateSucceeded, RenditionStateFailed, RenditionStateCancelled:
		return true
	}
	return false
}

// RenditionJob is the persisted record for one target of a video's encoding
// ladder. Jobs are created when targets are selected and mutated only by the
// encoder instance that owns them.
type RenditionJob struct {
	VideoID    string         `json:"videoId"`
	Target     string         `json:"target"`
	State      RenditionState `json:"state"`
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	BitrateKbs int            `json:"bitrateKbs"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// ManifestEntry is one stream variant referenced by a master manifest.
type ManifestEntry struct {
	Target    string `json:"target"`
	Bandwidth int    `json:"bandwidth"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Path      string `json:"path"`
}

// MasterManifest is the append-only, deduplicated set of completed rendition
// entries for a video, alongside the rendered playlist text.
type MasterManifest struct {
	VideoID   string          `json:"videoId"`
	Entries   []ManifestEntry `json:"entries"`
	Playlist  string          `json:"playlist"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// HasEntry reports whether the manifest already references the target.
func (m MasterManifest) HasEntry(target string) bool {
	for _, entry := range m.Entries {
		if entry.Target == target {
			return true
		}
	}
	return false
}

package pipeline

import "time"

// EventType enumerates the lifecycle events flowing through the pipeline
// queue.
type EventType string

const (
	// EventVideoRegistered fires when metadata registration creates a new
	// video asset.
	EventVideoRegistered EventType = "video.registered"
	// EventVideoAssembled fires once all chunks have been joined into the
	// source file.
	EventVideoAssembled EventType = "video.assembled"
	// EventEncodeStarted fires when a rendition encode process spawns.
	EventEncodeStarted EventType = "encode.started"
	// EventEncodeSucceeded fires when a rendition has been encoded and
	// published.
	EventEncodeSucceeded EventType = "encode.succeeded"
	// EventEncodeFailed fires when a rendition encode or publish fails.
	EventEncodeFailed EventType = "encode.failed"
	// EventVideoReady fires the first time a rendition becomes playable.
	EventVideoReady EventType = "video.ready"
	// EventVideoFailed fires when every rendition of a video failed.
	EventVideoFailed EventType = "video.failed"
	// EventVideoDeleted fires after reclamation has removed all resources.
	EventVideoDeleted EventType = "video.deleted"
)

// Event is the wire representation forwarded to the pipeline queue.
type Event struct {
	Type       EventType `json:"type"`
	VideoID    string    `json:"videoId"`
	Target     string    `json:"target,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

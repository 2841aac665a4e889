package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"opqo-media/internal/models"
	"opqo-media/internal/pipeline"
	"opqo-media/internal/storage"
)

// Handler exposes the upload-side contract over HTTP. All lifecycle work is
// delegated to the pipeline; handlers only validate, dispatch, and shape
// responses.
type Handler struct {
	Pipeline *pipeline.Pipeline
	Store    storage.Repository
	Callback *CallbackVerifier
}

func NewHandler(pipe *pipeline.Pipeline, store storage.Repository) *Handler {
	return &Handler{Pipeline: pipe, Store: store}
}

type createVideoRequest struct {
	ContentHash     string  `json:"contentHash"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	DurationSeconds float64 `json:"durationSeconds"`
	Extension       string  `json:"extension"`
	SizeBytes       int64   `json:"sizeBytes"`
	TotalChunkCount int     `json:"totalChunkCount"`
}

type renditionResponse struct {
	Target     string `json:"target"`
	State      string `json:"state"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	BitrateKbs int    `json:"bitrateKbs"`
	Error      string `json:"error,omitempty"`
}

type videoResponse struct {
	ID              string              `json:"id"`
	ContentHash     string              `json:"contentHash"`
	Width           int                 `json:"width"`
	Height          int                 `json:"height"`
	DurationSeconds float64             `json:"durationSeconds"`
	Extension       string              `json:"extension"`
	SizeBytes       int64               `json:"sizeBytes"`
	ChunkCount      int                 `json:"chunkCount"`
	State           string              `json:"state"`
	Error           string              `json:"error,omitempty"`
	Renditions      []renditionResponse `json:"renditions,omitempty"`
	ManifestEntries int                 `json:"manifestEntries"`
	CreatedAt       string              `json:"createdAt"`
	UpdatedAt       string              `json:"updatedAt"`
	ReadyAt         *string             `json:"readyAt,omitempty"`
}

func newVideoResponse(video models.VideoAsset, jobs []models.RenditionJob, manifestEntries int) videoResponse {
	resp := videoResponse{
		ID:              video.ID,
		ContentHash:     video.ContentHash,
		Width:           video.Width,
		Height:          video.Height,
		DurationSeconds: video.DurationSeconds,
		Extension:       video.Extension,
		SizeBytes:       video.SizeBytes,
		ChunkCount:      video.ChunkCount,
		State:           string(video.State),
		Error:           video.Error,
		ManifestEntries: manifestEntries,
		CreatedAt:       video.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:       video.UpdatedAt.Format(time.RFC3339Nano),
	}
	for _, job := range jobs {
		resp.Renditions = append(resp.Renditions, renditionResponse{
			Target:     job.Target,
			State:      string(job.State),
			Width:      job.Width,
			Height:     job.Height,
			BitrateKbs: job.BitrateKbs,
			Error:      job.Error,
		})
	}
	if video.ReadyAt != nil {
		ready := video.ReadyAt.Format(time.RFC3339Nano)
		resp.ReadyAt = &ready
	}
	return resp
}

// Videos handles POST /v1/videos.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req createVideoRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err)
		return
	}
	video, created, err := h.Pipeline.RegisterVideo(r.Context(), storage.CreateVideoParams{
		ContentHash:     req.ContentHash,
		Width:           req.Width,
		Height:          req.Height,
		DurationSeconds: req.DurationSeconds,
		Extension:       req.Extension,
		SizeBytes:       req.SizeBytes,
		ChunkCount:      req.TotalChunkCount,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, newVideoResponse(video, nil, 0))
}

// VideoByID dispatches /v1/videos/{id}, /v1/videos/{id}/finalize, and
// /v1/videos/{id}/chunks/{index}.
func (h *Handler) VideoByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/videos/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		WriteError(w, http.StatusNotFound, fmt.Errorf("video id is required"))
		return
	}
	videoID := segments[0]

	switch {
	case len(segments) == 1:
		h.video(w, r, videoID)
	case len(segments) == 2 && segments[1] == "finalize":
		h.finalize(w, r, videoID)
	case len(segments) == 3 && segments[1] == "chunks":
		index, err := strconv.Atoi(segments[2])
		if err != nil {
			WriteError(w, http.StatusBadRequest, fmt.Errorf("invalid chunk index %q", segments[2]))
			return
		}
		h.chunk(w, r, videoID, index)
	default:
		WriteError(w, http.StatusNotFound, fmt.Errorf("unknown resource"))
	}
}

func (h *Handler) video(w http.ResponseWriter, r *http.Request, videoID string) {
	switch r.Method {
	case http.MethodGet:
		status, err := h.Pipeline.Status(videoID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newVideoResponse(status.Video, status.Jobs, status.ManifestEntries))
	case http.MethodDelete:
		if err := h.Pipeline.Delete(r.Context(), videoID); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request, videoID string) {
	if r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if err := h.Pipeline.Finalize(videoID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": videoID, "status": "queued"})
}

func (h *Handler) chunk(w http.ResponseWriter, r *http.Request, videoID string, index int) {
	switch r.Method {
	case http.MethodHead:
		exists, err := h.Pipeline.ChunkExists(videoID, index)
		if err != nil {
			w.WriteHeader(statusForError(err))
			return
		}
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPut:
		size, err := h.Pipeline.UploadChunk(r.Context(), videoID, index, r.Body)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"index": index, "sizeBytes": size})
	default:
		WriteError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

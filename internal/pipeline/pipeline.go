package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"opqo-media/internal/media"
	"opqo-media/internal/models"
	"opqo-media/internal/observability/metrics"
	"opqo-media/internal/storage"
)

const (
	defaultWorkers           = 2
	defaultQueueSize         = 64
	defaultEncodeConcurrency = 2
)

// Config wires the pipeline's collaborators together.
type Config struct {
	Store             storage.Repository
	Objects           storage.ObjectStorage
	Queue             Queue
	StagingRoot       string
	WorkRoot          string
	FFmpegPath        string
	Runner            CommandRunner
	Workers           int
	QueueSize         int
	EncodeConcurrency int
	EncodeTimeout     time.Duration
	PublishAttempts   int
	PublishBackoff    time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Pipeline owns the full video lifecycle: chunk intake, assembly, rendition
// fan-out, manifest aggregation, publishing, readiness, and reclamation.
// Assembly and transcode run on a fixed worker pool fed by a job channel.
type Pipeline struct {
	store   storage.Repository
	objects storage.ObjectStorage
	queue   Queue
	logger  *slog.Logger
	metrics *metrics.Recorder

	chunks    *ChunkStore
	assembler *Assembler
	encoder   *Encoder
	manifest  *ManifestAggregator
	publisher *Publisher
	reclaimer *Reclaimer

	workers           int
	encodeConcurrency int

	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan string
	wg     sync.WaitGroup

	mu         sync.Mutex
	inFlight   map[string]struct{}
	tombstones map[string]struct{}
	cancels    map[string]context.CancelFunc
	started    bool
}

func New(cfg Config) *Pipeline {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	encodeConcurrency := cfg.EncodeConcurrency
	if encodeConcurrency <= 0 {
		encodeConcurrency = defaultEncodeConcurrency
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	queue := cfg.Queue
	if queue == nil {
		queue = NewMemoryQueue(0)
	}
	objects := cfg.Objects
	if objects == nil {
		objects = storage.NoopObjectStorage{}
	}

	chunks := NewChunkStore(cfg.StagingRoot, cfg.Store)
	assembler := NewAssembler(chunks, cfg.Store, cfg.WorkRoot, logger)
	encoder := NewEncoder(cfg.Runner, cfg.FFmpegPath, cfg.EncodeTimeout, logger)
	manifest := NewManifestAggregator(cfg.Store, cfg.WorkRoot)
	publisher := NewPublisher(objects, cfg.WorkRoot, cfg.PublishAttempts, cfg.PublishBackoff, logger, recorder)
	reclaimer := NewReclaimer(chunks, manifest, objects, cfg.WorkRoot, logger, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		store:             cfg.Store,
		objects:           objects,
		queue:             queue,
		logger:            logger,
		metrics:           recorder,
		chunks:            chunks,
		assembler:         assembler,
		encoder:           encoder,
		manifest:          manifest,
		publisher:         publisher,
		reclaimer:         reclaimer,
		workers:           workers,
		encodeConcurrency: encodeConcurrency,
		ctx:               ctx,
		cancel:            cancel,
		jobs:              make(chan string, queueSize),
		inFlight:          make(map[string]struct{}),
		tombstones:        make(map[string]struct{}),
		cancels:           make(map[string]context.CancelFunc),
	}
}

// Start launches the worker pool and re-enqueues interrupted videos.
func (p *Pipeline) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	go p.recoverPending()
}

// Shutdown stops intake and waits for in-flight work, bounded by ctx.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterVideo records upload metadata. Registering a hash that is already
// known returns the existing asset so interrupted uploads resume instead of
// duplicating work.
func (p *Pipeline) RegisterVideo(ctx context.Context, params storage.CreateVideoParams) (models.VideoAsset, bool, error) {
	if existing, ok := p.store.FindVideoByHash(strings.TrimSpace(params.ContentHash)); ok {
		return existing, false, nil
	}
	video, err := p.store.CreateVideo(params)
	if err != nil {
		// A concurrent registration may have won the race.
		if media.KindOf(err) == media.KindConflict {
			if existing, ok := p.store.FindVideoByHash(strings.TrimSpace(params.ContentHash)); ok {
				return existing, false, nil
			}
		}
		return models.VideoAsset{}, false, err
	}
	p.publishEvent(Event{Type: EventVideoRegistered, VideoID: video.ID})
	p.logger.Info("video registered", "video_id", video.ID, "chunks", video.ChunkCount, "size_bytes", video.SizeBytes)
	return video, true, nil
}

// UploadChunk stages one chunk. Chunks are only accepted while the video
// still awaits assembly.
func (p *Pipeline) UploadChunk(ctx context.Context, videoID string, index int, r io.Reader) (int64, error) {
	const op = "pipeline.UploadChunk"

	video, ok := p.store.GetVideo(videoID)
	if !ok {
		return 0, media.NotFoundf(op, "video %s not found", videoID)
	}
	switch video.State {
	case models.VideoStateMetadataRegistered, models.VideoStateChunksPending:
	default:
		return 0, media.Conflictf(op, "video %s is %s, chunks are no longer accepted", videoID, video.State)
	}
	size, err := p.chunks.Put(ctx, videoID, index, r)
	if err != nil {
		p.metrics.ObserveChunk("failed")
		return 0, err
	}
	p.metrics.ObserveChunk("received")
	return size, nil
}

// ChunkExists reports whether a chunk has already been received, so clients
// can skip re-uploading after an interruption.
func (p *Pipeline) ChunkExists(videoID string, index int) (bool, error) {
	if _, ok := p.store.GetVideo(videoID); !ok {
		return false, media.NotFoundf("pipeline.ChunkExists", "video %s not found", videoID)
	}
	return p.chunks.Exists(videoID, index), nil
}

// Finalize validates chunk completeness and queues assembly + transcode.
func (p *Pipeline) Finalize(videoID string) error {
	const op = "pipeline.Finalize"

	video, ok := p.store.GetVideo(videoID)
	if !ok {
		return media.NotFoundf(op, "video %s not found", videoID)
	}
	if video.State == models.VideoStateFailed {
		return media.Conflictf(op, "video %s is %s", videoID, video.State)
	}
	if video.State.AtLeast(models.VideoStateAssembled) {
		// Assembly already happened; a repeated finalize is a no-op.
		return nil
	}
	received := p.store.CountChunks(videoID)
	if received != video.ChunkCount {
		missing := missingChunkIndexes(p.store.ListChunkIndexes(videoID), video.ChunkCount)
		return media.Conflictf(op, "video %s has %d of %d chunks, missing %v", videoID, received, video.ChunkCount, missing)
	}
	p.enqueue(videoID)
	return nil
}

// missingChunkIndexes reports which indexes in [0,count) are absent from the
// received set.
func missingChunkIndexes(received []int, count int) []int {
	have := make(map[int]struct{}, len(received))
	for _, index := range received {
		have[index] = struct{}{}
	}
	missing := make([]int, 0)
	for index := 0; index < count; index++ {
		if _, ok := have[index]; !ok {
			missing = append(missing, index)
		}
	}
	return missing
}

func (p *Pipeline) enqueue(videoID string) {
	if strings.TrimSpace(videoID) == "" {
		return
	}
	select {
	case <-p.ctx.Done():
		return
	default:
	}
	select {
	case p.jobs <- videoID:
		p.metrics.VideoQueued()
	case <-p.ctx.Done():
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.jobs:
			p.metrics.VideoDequeued()
			if strings.TrimSpace(id) == "" {
				continue
			}
			if !p.beginWork(id) {
				continue
			}
			p.process(id)
			p.finishWork(id)
		}
	}
}

func (p *Pipeline) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Pipeline) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	delete(p.cancels, id)
	p.mu.Unlock()
}

func (p *Pipeline) tombstoned(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, gone := p.tombstones[id]
	return gone
}

// recoverPending re-enqueues videos whose processing was interrupted by a
// restart.
func (p *Pipeline) recoverPending() {
	for _, video := range p.store.ListVideos() {
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		switch video.State {
		case models.VideoStateAssembled, models.VideoStateTranscoding:
			p.logger.Info("recovering interrupted video", "video_id", video.ID, "state", video.State)
			p.enqueue(video.ID)
		}
	}
}

func (p *Pipeline) process(id string) {
	if p.tombstoned(id) {
		return
	}
	video, ok := p.store.GetVideo(id)
	if !ok {
		return
	}

	var source string
	switch video.State {
	case models.VideoStateChunksPending:
		assembled, path, err := p.assembler.Assemble(p.ctx, id)
		if err != nil {
			if media.KindOf(err) == media.KindConflict {
				// Another worker won the assembly race.
				p.logger.Info("assembly skipped", "video_id", id, "reason", err)
				return
			}
			p.metrics.ObserveAssembly("failed")
			message := err.Error()
			if _, updateErr := p.store.UpdateVideo(id, storage.VideoUpdate{Error: &message}); updateErr != nil {
				p.logger.Error("failed to record assembly error", "video_id", id, "error", updateErr)
			}
			// The assembler rolled the state back to chunks_pending, so the
			// client can re-upload whatever is missing and finalize again.
			p.logger.Error("assembly failed", "video_id", id, "error", err)
			return
		}
		p.metrics.ObserveAssembly("succeeded")
		if assembled.Error != "" {
			// A previous attempt's assembly error is stale now.
			cleared := ""
			if updated, err := p.store.UpdateVideo(id, storage.VideoUpdate{Error: &cleared}); err == nil {
				assembled = updated
			}
		}
		p.publishEvent(Event{Type: EventVideoAssembled, VideoID: id})
		video = assembled
		source = path
	case models.VideoStateAssembled, models.VideoStateTranscoding:
		source = p.assembler.SourcePath(video)
		if _, err := os.Stat(source); err != nil {
			p.failVideo(id, media.Consistencyf("pipeline.process", "assembled source missing: %v", err))
			return
		}
	default:
		return
	}

	if video.State == models.VideoStateAssembled {
		transitioned, err := p.store.TransitionVideoState(id, models.VideoStateAssembled, models.VideoStateTranscoding)
		if err != nil {
			if media.KindOf(err) == media.KindConflict {
				return
			}
			p.failVideo(id, err)
			return
		}
		video = transitioned
	}

	p.transcode(video, source)
}

func (p *Pipeline) transcode(video models.VideoAsset, source string) {
	targets := SelectTargets(video.Width, video.Height)
	if len(targets) == 0 {
		p.failVideo(video.ID, media.Validationf("pipeline.transcode", "no renditions for %dx%d source", video.Width, video.Height))
		return
	}

	existing := make(map[string]models.RenditionJob)
	for _, job := range p.store.ListRenditionJobs(video.ID) {
		existing[job.Target] = job
	}
	pending := make([]Target, 0, len(targets))
	for _, target := range targets {
		if job, ok := existing[target.Label]; ok {
			if job.State == models.RenditionStateSucceeded {
				continue
			}
			pending = append(pending, target)
			continue
		}
		if _, err := p.store.CreateRenditionJob(models.RenditionJob{
			VideoID:    video.ID,
			Target:     target.Label,
			Width:      target.Width,
			Height:     target.Height,
			BitrateKbs: target.BitrateKbps,
		}); err != nil && media.KindOf(err) != media.KindConflict {
			p.logger.Error("failed to create rendition job", "video_id", video.ID, "target", target.Label, "error", err)
		}
		pending = append(pending, target)
	}

	encodeCtx, cancelEncodes := context.WithCancel(p.ctx)
	defer cancelEncodes()
	p.mu.Lock()
	p.cancels[video.ID] = cancelEncodes
	p.mu.Unlock()

	group := new(errgroup.Group)
	group.SetLimit(p.encodeConcurrency)
	for _, target := range pending {
		target := target
		group.Go(func() error {
			p.encodeOne(encodeCtx, video, source, target)
			return nil
		})
	}
	_ = group.Wait()

	if p.ctx.Err() != nil {
		// Shutdown cancelled the fan-out; the video stays transcoding so a
		// restart can resume it.
		return
	}
	if p.tombstoned(video.ID) {
		return
	}
	p.settle(video.ID)
}

func (p *Pipeline) encodeOne(ctx context.Context, video models.VideoAsset, source string, target Target) {
	if p.tombstoned(video.ID) {
		return
	}
	if _, err := p.store.UpdateRenditionJob(video.ID, target.Label, models.RenditionStateRunning, ""); err != nil {
		p.logger.Error("failed to mark rendition running", "video_id", video.ID, "target", target.Label, "error", err)
		return
	}
	p.metrics.EncodeStarted(target.Label)
	p.publishEvent(Event{Type: EventEncodeStarted, VideoID: video.ID, Target: target.Label})

	outputDir := filepath.Join(p.assembler.WorkDir(video.ID), target.Label)
	err := p.encoder.Encode(ctx, video.ID, source, outputDir, target)
	if err != nil {
		p.finishRendition(video.ID, target, err)
		return
	}
	p.completeRendition(ctx, video.ID, target)
}

// completeRendition aggregates the manifest, publishes artifacts, and flips
// readiness for a successfully encoded target.
func (p *Pipeline) completeRendition(ctx context.Context, videoID string, target Target) {
	if p.tombstoned(videoID) {
		return
	}
	manifest, changed, err := p.manifest.AddRendition(videoID, target)
	if err != nil {
		p.finishRendition(videoID, target, err)
		return
	}
	if !changed {
		// Duplicate completion; the rendition is already live.
		return
	}
	if err := p.publisher.PublishRendition(ctx, videoID, target.Label); err != nil {
		p.finishRendition(videoID, target, err)
		return
	}
	if err := p.publisher.PublishManifest(ctx, videoID, manifest.Playlist); err != nil {
		p.finishRendition(videoID, target, err)
		return
	}
	p.finishRendition(videoID, target, nil)
	p.markReady(videoID)
}

func (p *Pipeline) finishRendition(videoID string, target Target, encodeErr error) {
	if encodeErr == nil {
		if _, err := p.store.UpdateRenditionJob(videoID, target.Label, models.RenditionStateSucceeded, ""); err != nil {
			p.logger.Error("failed to mark rendition succeeded", "video_id", videoID, "target", target.Label, "error", err)
		}
		p.metrics.EncodeSucceeded(target.Label)
		p.publishEvent(Event{Type: EventEncodeSucceeded, VideoID: videoID, Target: target.Label})
		p.logger.Info("rendition completed", "video_id", videoID, "target", target.Label)
		return
	}

	state := models.RenditionStateFailed
	if errors.Is(encodeErr, context.Canceled) || p.tombstoned(videoID) {
		state = models.RenditionStateCancelled
	}
	if _, err := p.store.UpdateRenditionJob(videoID, target.Label, state, encodeErr.Error()); err != nil {
		p.logger.Error("failed to mark rendition failed", "video_id", videoID, "target", target.Label, "error", err)
	}
	p.metrics.EncodeFailed(target.Label)
	p.publishEvent(Event{Type: EventEncodeFailed, VideoID: videoID, Target: target.Label, Error: encodeErr.Error()})
	p.logger.Error("rendition failed", "video_id", videoID, "target", target.Label, "error", encodeErr)
}

// markReady flips the video to ready exactly once, on the first successful
// rendition. Later completions only extend the manifest.
func (p *Pipeline) markReady(videoID string) {
	video, err := p.store.TransitionVideoState(videoID, models.VideoStateTranscoding, models.VideoStateReady)
	if err != nil {
		if media.KindOf(err) != media.KindConflict {
			p.logger.Error("failed to mark video ready", "video_id", videoID, "error", err)
		}
		return
	}
	now := time.Now().UTC()
	if _, err := p.store.UpdateVideo(videoID, storage.VideoUpdate{ReadyAt: &now}); err != nil {
		p.logger.Warn("failed to stamp ready time", "video_id", videoID, "error", err)
	}
	p.publishEvent(Event{Type: EventVideoReady, VideoID: videoID})
	p.logger.Info("video ready", "video_id", videoID, "state", video.State)
}

// settle inspects rendition outcomes after the fan-out drains and fails the
// video if nothing succeeded.
func (p *Pipeline) settle(videoID string) {
	video, ok := p.store.GetVideo(videoID)
	if !ok || video.State != models.VideoStateTranscoding {
		return
	}
	jobs := p.store.ListRenditionJobs(videoID)
	for _, job := range jobs {
		if job.State == models.RenditionStateSucceeded {
			return
		}
		if !job.State.Terminal() {
			return
		}
	}
	p.failVideo(videoID, media.Externalf("pipeline.settle", "all %d renditions failed", len(jobs)))
}

func (p *Pipeline) failVideo(videoID string, cause error) {
	state := models.VideoStateFailed
	message := cause.Error()
	if _, err := p.store.UpdateVideo(videoID, storage.VideoUpdate{State: &state, Error: &message}); err != nil {
		p.logger.Error("failed to mark video failed", "video_id", videoID, "error", err, "cause", cause)
		return
	}
	p.publishEvent(Event{Type: EventVideoFailed, VideoID: videoID, Error: message})
	p.logger.Error("video failed", "video_id", videoID, "error", cause)
}

// HandleEncodeCompletion ingests an out-of-process completion signal for a
// rendition, e.g. from a remote encoder fleet. Duplicate and post-delete
// signals are no-ops.
func (p *Pipeline) HandleEncodeCompletion(ctx context.Context, videoID, label string, succeeded bool, message string) error {
	const op = "pipeline.HandleEncodeCompletion"

	if p.tombstoned(videoID) {
		return nil
	}
	video, ok := p.store.GetVideo(videoID)
	if !ok {
		return media.NotFoundf(op, "video %s not found", videoID)
	}
	var target Target
	found := false
	for _, candidate := range SelectTargets(video.Width, video.Height) {
		if candidate.Label == label {
			target = candidate
			found = true
			break
		}
	}
	if !found {
		return media.Validationf(op, "unknown rendition target %q", label)
	}
	jobs := p.store.ListRenditionJobs(videoID)
	for _, job := range jobs {
		if job.Target == label && job.State == models.RenditionStateSucceeded {
			return nil
		}
	}

	if !succeeded {
		p.finishRendition(videoID, target, media.Externalf(op, "remote encode failed: %s", message))
		p.settle(videoID)
		return nil
	}
	p.completeRendition(ctx, videoID, target)
	return nil
}

// Delete cancels any in-flight encodes, tombstones the video so late
// completions become no-ops, reclaims every resource, and drops the record.
func (p *Pipeline) Delete(ctx context.Context, videoID string) error {
	const op = "pipeline.Delete"

	if _, ok := p.store.GetVideo(videoID); !ok {
		return media.NotFoundf(op, "video %s not found", videoID)
	}

	p.mu.Lock()
	p.tombstones[videoID] = struct{}{}
	if cancel, ok := p.cancels[videoID]; ok {
		cancel()
	}
	p.mu.Unlock()

	for _, job := range p.store.ListRenditionJobs(videoID) {
		if job.State.Terminal() {
			continue
		}
		if _, err := p.store.UpdateRenditionJob(videoID, job.Target, models.RenditionStateCancelled, "video deleted"); err != nil {
			p.logger.Warn("failed to cancel rendition job", "video_id", videoID, "target", job.Target, "error", err)
		}
	}

	if err := p.reclaimer.Reclaim(ctx, videoID); err != nil {
		p.metrics.ObserveReclaim("failed")
		return err
	}
	if err := p.store.DeleteVideo(videoID); err != nil && media.KindOf(err) != media.KindNotFound {
		return err
	}
	p.publishEvent(Event{Type: EventVideoDeleted, VideoID: videoID})
	p.logger.Info("video deleted", "video_id", videoID)
	return nil
}

// VideoStatus is the read model returned to status queries.
type VideoStatus struct {
	Video           models.VideoAsset
	Jobs            []models.RenditionJob
	ManifestEntries int
}

// Status reports a video's lifecycle state, its rendition jobs, and manifest
// coverage.
func (p *Pipeline) Status(videoID string) (VideoStatus, error) {
	video, ok := p.store.GetVideo(videoID)
	if !ok {
		return VideoStatus{}, media.NotFoundf("pipeline.Status", "video %s not found", videoID)
	}
	status := VideoStatus{
		Video: video,
		Jobs:  p.store.ListRenditionJobs(videoID),
	}
	if manifest, ok := p.store.GetManifest(videoID); ok {
		status.ManifestEntries = len(manifest.Entries)
	}
	return status, nil
}

func (p *Pipeline) publishEvent(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.queue.Publish(ctx, event); err != nil {
		p.logger.Warn("failed to publish pipeline event", "type", event.Type, "video_id", event.VideoID, "error", err)
	}
}

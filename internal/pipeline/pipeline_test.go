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
	"testing"
	"time"

	"opqo-media/internal/media"
	"opqo-media/internal/models"
	"opqo-media/internal/storage"
)

// fakeRunner stands in for ffmpeg. It derives the output directory from the
// playlist path (the final argument) and writes a plausible HLS rendition
// there, so the rest of the pipeline operates on real files.
type fakeRunner struct {
	mu       sync.Mutex
	failAll  bool
	starts   []string
	segments int
}

type fakeProcess struct {
	err error
}

func (p *fakeProcess) Wait() error { return p.err }
func (p *fakeProcess) Kill() error { return nil }

func (r *fakeRunner) Start(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (Process, error) {
	if len(args) == 0 {
		return nil, errors.New("no arguments")
	}
	playlist := args[len(args)-1]
	outputDir := filepath.Dir(playlist)

	r.mu.Lock()
	r.starts = append(r.starts, filepath.Base(outputDir))
	fail := r.failAll
	segments := r.segments
	r.mu.Unlock()

	if fail {
		return &fakeProcess{err: errors.New("exit status 1")}, nil
	}
	if segments <= 0 {
		segments = 2
	}
	for i := 0; i < segments; i++ {
		name := filepath.Join(outputDir, "segment_00000"+string(rune('0'+i))+".ts")
		if err := os.WriteFile(name, []byte("segment"), 0o644); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(playlist, []byte("#EXTM3U\n#EXT-X-ENDLIST\n"), 0o644); err != nil {
		return nil, err
	}
	return &fakeProcess{}, nil
}

type pipelineFixture struct {
	pipe    *Pipeline
	store   storage.Repository
	objects *fakeObjectStorage
	runner  *fakeRunner
	dir     string
}

func newPipelineFixture(t *testing.T, runner *fakeRunner) *pipelineFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewStorage(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	objects := &fakeObjectStorage{}
	pipe := New(Config{
		Store:          store,
		Objects:        objects,
		StagingRoot:    filepath.Join(dir, "staging"),
		WorkRoot:       filepath.Join(dir, "work"),
		Runner:         runner,
		PublishBackoff: time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	pipe.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pipe.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return &pipelineFixture{pipe: pipe, store: store, objects: objects, runner: runner, dir: dir}
}

func (f *pipelineFixture) registerAndUpload(t *testing.T, hash string, width, height, chunkCount int) models.VideoAsset {
	t.Helper()
	chunks := make([]string, chunkCount)
	total := int64(0)
	for i := range chunks {
		chunks[i] = strings.Repeat("x", 8)
		total += int64(len(chunks[i]))
	}
	video, created, err := f.pipe.RegisterVideo(context.Background(), storage.CreateVideoParams{
		ContentHash: hash,
		Width:       width,
		Height:      height,
		Extension:   ".mp4",
		SizeBytes:   total,
		ChunkCount:  chunkCount,
	})
	if err != nil {
		t.Fatalf("RegisterVideo: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh registration for hash %s", hash)
	}
	for i, chunk := range chunks {
		if _, err := f.pipe.UploadChunk(context.Background(), video.ID, i, strings.NewReader(chunk)); err != nil {
			t.Fatalf("UploadChunk %d: %v", i, err)
		}
	}
	return video
}

func (f *pipelineFixture) waitForState(t *testing.T, videoID string, want models.VideoState) models.VideoAsset {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		video, ok := f.store.GetVideo(videoID)
		if ok && video.State == want {
			return video
		}
		time.Sleep(10 * time.Millisecond)
	}
	video, _ := f.store.GetVideo(videoID)
	t.Fatalf("video %s never reached %s, last state %s (error %q)", videoID, want, video.State, video.Error)
	return models.VideoAsset{}
}

func (f *pipelineFixture) waitForTerminalJobs(t *testing.T, videoID string, count int) []models.RenditionJob {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		jobs := f.store.ListRenditionJobs(videoID)
		terminal := 0
		for _, job := range jobs {
			if job.State.Terminal() {
				terminal++
			}
		}
		if len(jobs) == count && terminal == count {
			return jobs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("video %s rendition jobs never settled: %+v", videoID, f.store.ListRenditionJobs(videoID))
	return nil
}

func TestPipelineEndToEnd(t *testing.T) {
	runner := &fakeRunner{}
	fix := newPipelineFixture(t, runner)

	video := fix.registerAndUpload(t, "hash-e2e", 1280, 720, 3)

	if exists, err := fix.pipe.ChunkExists(video.ID, 1); err != nil || !exists {
		t.Fatalf("ChunkExists(1) = %v, %v; want true", exists, err)
	}
	if err := fix.pipe.Finalize(video.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	ready := fix.waitForState(t, video.ID, models.VideoStateReady)
	if ready.ReadyAt == nil {
		t.Fatal("expected ReadyAt to be stamped")
	}
	jobs := fix.waitForTerminalJobs(t, video.ID, 2)
	for _, job := range jobs {
		if job.State != models.RenditionStateSucceeded {
			t.Fatalf("job %s is %s: %s", job.Target, job.State, job.Error)
		}
	}

	manifest, ok := fix.store.GetManifest(video.ID)
	if !ok {
		t.Fatal("expected master manifest")
	}
	if len(manifest.Entries) != 2 {
		t.Fatalf("manifest entries = %d, want 2", len(manifest.Entries))
	}
	if manifest.Entries[0].Target != "360p" || manifest.Entries[1].Target != "720p" {
		t.Fatalf("manifest order = %s, %s", manifest.Entries[0].Target, manifest.Entries[1].Target)
	}

	uploaded := fix.objects.uploadedKeys()
	wantKeys := []string{
		video.ID + "/720p/index.m3u8",
		video.ID + "/360p/index.m3u8",
		video.ID + "/720p/segment_000000.ts",
		video.ID + "/master.m3u8",
	}
	for _, key := range wantKeys {
		found := false
		for _, got := range uploaded {
			if got == key {
				found = true
				break
			}
		}
		if !found {
			t.Fatalf("expected %s among uploads %v", key, uploaded)
		}
	}

	// Staging is cleared and chunk records are gone once assembly succeeds.
	if fix.store.CountChunks(video.ID) != 0 {
		t.Fatal("expected chunk records to be removed")
	}
	if _, err := os.Stat(filepath.Join(fix.dir, "staging", video.ID)); !os.IsNotExist(err) {
		t.Fatalf("expected staging dir to be removed, stat err = %v", err)
	}

	// Chunks are rejected once the video has moved past assembly.
	if _, err := fix.pipe.UploadChunk(context.Background(), video.ID, 0, strings.NewReader("late")); media.KindOf(err) != media.KindConflict {
		t.Fatalf("late chunk err = %v, want conflict", err)
	}
}

func TestPipelineFinalizeValidation(t *testing.T) {
	runner := &fakeRunner{}
	fix := newPipelineFixture(t, runner)

	if err := fix.pipe.Finalize("missing"); media.KindOf(err) != media.KindNotFound {
		t.Fatalf("Finalize(missing) = %v, want not found", err)
	}

	video, _, err := fix.pipe.RegisterVideo(context.Background(), storage.CreateVideoParams{
		ContentHash: "hash-partial",
		Width:       640,
		Height:      360,
		Extension:   ".mp4",
		SizeBytes:   16,
		ChunkCount:  2,
	})
	if err != nil {
		t.Fatalf("RegisterVideo: %v", err)
	}
	if _, err := fix.pipe.UploadChunk(context.Background(), video.ID, 0, strings.NewReader("chunk")); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	err = fix.pipe.Finalize(video.ID)
	if media.KindOf(err) != media.KindConflict {
		t.Fatalf("Finalize with missing chunks = %v, want conflict", err)
	}
	if !strings.Contains(err.Error(), "missing [1]") {
		t.Fatalf("Finalize error %q should name the missing indexes", err)
	}
}

func TestPipelineStateAdvancesOnFirstChunk(t *testing.T) {
	runner := &fakeRunner{}
	fix := newPipelineFixture(t, runner)

	video, _, err := fix.pipe.RegisterVideo(context.Background(), storage.CreateVideoParams{
		ContentHash: "hash-first-chunk",
		Width:       640,
		Height:      360,
		Extension:   ".mp4",
		SizeBytes:   16,
		ChunkCount:  2,
	})
	if err != nil {
		t.Fatalf("RegisterVideo: %v", err)
	}
	if video.State != models.VideoStateMetadataRegistered {
		t.Fatalf("registered state = %s, want %s", video.State, models.VideoStateMetadataRegistered)
	}

	if _, err := fix.pipe.UploadChunk(context.Background(), video.ID, 0, strings.NewReader("chunk")); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	got, _ := fix.store.GetVideo(video.ID)
	if got.State != models.VideoStateChunksPending {
		t.Fatalf("state after first chunk = %s, want %s", got.State, models.VideoStateChunksPending)
	}

	// Later chunks leave the state alone.
	if _, err := fix.pipe.UploadChunk(context.Background(), video.ID, 1, strings.NewReader("chunk")); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	got, _ = fix.store.GetVideo(video.ID)
	if got.State != models.VideoStateChunksPending {
		t.Fatalf("state after second chunk = %s", got.State)
	}
}

func TestPipelineAssemblyFailureLeavesResumable(t *testing.T) {
	runner := &fakeRunner{}
	fix := newPipelineFixture(t, runner)

	video := fix.registerAndUpload(t, "hash-resume-assembly", 640, 360, 2)

	// Simulate a lost staged blob so assembly cannot complete.
	if err := os.Remove(filepath.Join(fix.dir, "staging", video.ID, "1")); err != nil {
		t.Fatalf("remove staged chunk: %v", err)
	}
	if err := fix.pipe.Finalize(video.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, _ := fix.store.GetVideo(video.ID)
		if got.State == models.VideoStateChunksPending && got.Error != "" {
			break
		}
		if got.State == models.VideoStateFailed {
			t.Fatalf("assembly failure marked video failed: %q", got.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("video never rolled back, state %s (error %q)", got.State, got.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Consumed and missing chunks alike read as absent, so the client knows
	// exactly what to re-send.
	for index := 0; index < 2; index++ {
		if exists, err := fix.pipe.ChunkExists(video.ID, index); err != nil || exists {
			t.Fatalf("ChunkExists(%d) = %v, %v; want false", index, exists, err)
		}
	}
	if count := fix.store.CountChunks(video.ID); count != 0 {
		t.Fatalf("chunk records after rollback = %d, want 0", count)
	}

	for index := 0; index < 2; index++ {
		if _, err := fix.pipe.UploadChunk(context.Background(), video.ID, index, strings.NewReader(strings.Repeat("x", 8))); err != nil {
			t.Fatalf("re-upload chunk %d: %v", index, err)
		}
	}
	if err := fix.pipe.Finalize(video.ID); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	ready := fix.waitForState(t, video.ID, models.VideoStateReady)
	if ready.Error != "" {
		t.Fatalf("recovered video still carries error %q", ready.Error)
	}
}

func TestPipelineFinalizeAfterReadyIsNoop(t *testing.T) {
	runner := &fakeRunner{}
	fix := newPipelineFixture(t, runner)

	video := fix.registerAndUpload(t, "hash-finalize-ready", 640, 360, 1)
	if err := fix.pipe.Finalize(video.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	fix.waitForState(t, video.ID, models.VideoStateReady)
	fix.waitForTerminalJobs(t, video.ID, 1)

	if err := fix.pipe.Finalize(video.ID); err != nil {
		t.Fatalf("Finalize after ready = %v, want nil", err)
	}
	got, _ := fix.store.GetVideo(video.ID)
	if got.State != models.VideoStateReady {
		t.Fatalf("state after repeated finalize = %s", got.State)
	}
}

func TestPipelineDuplicateFinalize(t *testing.T) {
	runner := &fakeRunner{}
	fix := newPipelineFixture(t, runner)

	video := fix.registerAndUpload(t, "hash-dup-finalize", 640, 360, 2)
	if err := fix.pipe.Finalize(video.ID); err != nil {
		t.Fatalf("first Finalize: %v", err)
	}
	if err := fix.pipe.Finalize(video.ID); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}

	fix.waitForState(t, video.ID, models.VideoStateReady)
	jobs := fix.waitForTerminalJobs(t, video.ID, 1)
	if jobs[0].Target != "360p" || jobs[0].State != models.RenditionStateSucceeded {
		t.Fatalf("unexpected job outcome: %+v", jobs[0])
	}
}

func TestPipelineDuplicateRegistrationResumes(t *testing.T) {
	runner := &fakeRunner{}
	fix := newPipelineFixture(t, runner)

	params := storage.CreateVideoParams{
		ContentHash: "hash-resume",
		Width:       640,
		Height:      360,
		Extension:   ".mp4",
		SizeBytes:   16,
		ChunkCount:  2,
	}
	first, created, err := fix.pipe.RegisterVideo(context.Background(), params)
	if err != nil || !created {
		t.Fatalf("first registration: created=%v err=%v", created, err)
	}
	second, created, err := fix.pipe.RegisterVideo(context.Background(), params)
	if err != nil {
		t.Fatalf("second registration: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected resume of %s, got created=%v id=%s", first.ID, created, second.ID)
	}
}

func TestPipelineAllRenditionsFail(t *testing.T) {
	runner := &fakeRunner{failAll: true}
	fix := newPipelineFixture(t, runner)

	video := fix.registerAndUpload(t, "hash-fail", 1280, 720, 2)
	if err := fix.pipe.Finalize(video.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	failed := fix.waitForState(t, video.ID, models.VideoStateFailed)
	if !strings.Contains(failed.Error, "renditions failed") {
		t.Fatalf("video error = %q", failed.Error)
	}
	jobs := fix.waitForTerminalJobs(t, video.ID, 2)
	for _, job := range jobs {
		if job.State != models.RenditionStateFailed {
			t.Fatalf("job %s is %s, want failed", job.Target, job.State)
		}
	}

	if err := fix.pipe.Finalize(video.ID); media.KindOf(err) != media.KindConflict {
		t.Fatalf("Finalize on failed video = %v, want conflict", err)
	}
}

// blockingProcess stalls in Wait until it is killed, standing in for a long
// ffmpeg run.
type blockingProcess struct {
	done chan struct{}
	once sync.Once
}

func (p *blockingProcess) Wait() error {
	<-p.done
	return errors.New("signal: killed")
}

func (p *blockingProcess) Kill() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

type blockingRunner struct {
	mu      sync.Mutex
	started int
}

func (r *blockingRunner) Start(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (Process, error) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
	return &blockingProcess{done: make(chan struct{})}, nil
}

func (r *blockingRunner) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

func TestPipelineShutdownPreservesTranscodingVideo(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStorage(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	runner := &blockingRunner{}
	pipe := New(Config{
		Store:          store,
		Objects:        &fakeObjectStorage{},
		StagingRoot:    filepath.Join(dir, "staging"),
		WorkRoot:       filepath.Join(dir, "work"),
		Runner:         runner,
		PublishBackoff: time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	pipe.Start()

	video, _, err := pipe.RegisterVideo(context.Background(), storage.CreateVideoParams{
		ContentHash: "hash-shutdown",
		Width:       640,
		Height:      360,
		Extension:   ".mp4",
		SizeBytes:   8,
		ChunkCount:  1,
	})
	if err != nil {
		t.Fatalf("RegisterVideo: %v", err)
	}
	if _, err := pipe.UploadChunk(context.Background(), video.ID, 0, strings.NewReader(strings.Repeat("x", 8))); err != nil {
		t.Fatalf("UploadChunk: %v", err)
	}
	if err := pipe.Finalize(video.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for runner.startCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("encode never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pipe.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, _ := store.GetVideo(video.ID)
	if got.State != models.VideoStateTranscoding {
		t.Fatalf("state after shutdown = %s, want %s (error %q)", got.State, models.VideoStateTranscoding, got.Error)
	}
	for _, job := range store.ListRenditionJobs(video.ID) {
		if job.State != models.RenditionStateCancelled {
			t.Fatalf("job %s is %s, want cancelled", job.Target, job.State)
		}
	}
}

func TestPipelineDeleteReclaimsEverything(t *testing.T) {
	runner := &fakeRunner{}
	fix := newPipelineFixture(t, runner)

	video := fix.registerAndUpload(t, "hash-delete", 640, 360, 2)
	if err := fix.pipe.Finalize(video.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	fix.waitForState(t, video.ID, models.VideoStateReady)
	fix.waitForTerminalJobs(t, video.ID, 1)

	remote := []string{
		video.ID + "/360p/index.m3u8",
		video.ID + "/360p/segment_000000.ts",
		video.ID + "/master.m3u8",
	}
	fix.objects.mu.Lock()
	fix.objects.pages = []storage.ObjectPage{{Keys: remote}}
	fix.objects.mu.Unlock()

	if err := fix.pipe.Delete(context.Background(), video.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := fix.pipe.Status(video.ID); media.KindOf(err) != media.KindNotFound {
		t.Fatalf("Status after delete = %v, want not found", err)
	}
	if _, err := os.Stat(filepath.Join(fix.dir, "work", video.ID)); !os.IsNotExist(err) {
		t.Fatalf("expected work dir removal, stat err = %v", err)
	}

	fix.objects.mu.Lock()
	deleted := append([][]string(nil), fix.objects.deleted...)
	fix.objects.mu.Unlock()
	if len(deleted) != 1 || len(deleted[0]) != len(remote) {
		t.Fatalf("remote deletes = %v", deleted)
	}

	// The tombstone turns late completion signals into no-ops.
	if err := fix.pipe.HandleEncodeCompletion(context.Background(), video.ID, "360p", true, ""); err != nil {
		t.Fatalf("late completion after delete: %v", err)
	}

	if err := fix.pipe.Delete(context.Background(), video.ID); media.KindOf(err) != media.KindNotFound {
		t.Fatalf("second delete = %v, want not found", err)
	}
}

func TestHandleEncodeCompletionValidation(t *testing.T) {
	runner := &fakeRunner{}
	fix := newPipelineFixture(t, runner)

	if err := fix.pipe.HandleEncodeCompletion(context.Background(), "missing", "360p", true, ""); media.KindOf(err) != media.KindNotFound {
		t.Fatalf("unknown video = %v, want not found", err)
	}

	video := fix.registerAndUpload(t, "hash-callback", 640, 360, 1)
	if err := fix.pipe.HandleEncodeCompletion(context.Background(), video.ID, "1080p", true, ""); media.KindOf(err) != media.KindValidation {
		t.Fatalf("unknown target = %v, want validation", err)
	}
}

func TestHandleEncodeCompletionDuplicateSuccess(t *testing.T) {
	runner := &fakeRunner{}
	fix := newPipelineFixture(t, runner)

	video := fix.registerAndUpload(t, "hash-dup-complete", 640, 360, 1)
	if err := fix.pipe.Finalize(video.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	fix.waitForState(t, video.ID, models.VideoStateReady)
	fix.waitForTerminalJobs(t, video.ID, 1)

	before := len(fix.objects.uploadedKeys())
	if err := fix.pipe.HandleEncodeCompletion(context.Background(), video.ID, "360p", true, ""); err != nil {
		t.Fatalf("duplicate completion: %v", err)
	}
	if after := len(fix.objects.uploadedKeys()); after != before {
		t.Fatalf("duplicate completion re-published: %d -> %d uploads", before, after)
	}
	manifest, _ := fix.store.GetManifest(video.ID)
	if len(manifest.Entries) != 1 {
		t.Fatalf("manifest entries = %d, want 1", len(manifest.Entries))
	}
}

func TestPipelineRecoversInterruptedVideo(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewStorage(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	video, err := store.CreateVideo(storage.CreateVideoParams{
		ContentHash: "hash-recover",
		Width:       640,
		Height:      360,
		Extension:   ".mp4",
		SizeBytes:   16,
		ChunkCount:  1,
	})
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	if _, err := store.TransitionVideoState(video.ID, models.VideoStateMetadataRegistered, models.VideoStateChunksPending); err != nil {
		t.Fatalf("TransitionVideoState: %v", err)
	}
	if _, err := store.TransitionVideoState(video.ID, models.VideoStateChunksPending, models.VideoStateAssembled); err != nil {
		t.Fatalf("TransitionVideoState: %v", err)
	}
	workDir := filepath.Join(dir, "work", video.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, "source.mp4"), []byte("assembled"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}

	runner := &fakeRunner{}
	pipe := New(Config{
		Store:          store,
		Objects:        &fakeObjectStorage{},
		StagingRoot:    filepath.Join(dir, "staging"),
		WorkRoot:       filepath.Join(dir, "work"),
		Runner:         runner,
		PublishBackoff: time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	pipe.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pipe.Shutdown(ctx)
	}()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := store.GetVideo(video.ID)
		if got.State == models.VideoStateReady {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := store.GetVideo(video.ID)
	t.Fatalf("video never recovered, state %s (error %q)", got.State, got.Error)
}

func TestPipelineStatus(t *testing.T) {
	runner := &fakeRunner{}
	fix := newPipelineFixture(t, runner)

	video := fix.registerAndUpload(t, "hash-status", 640, 360, 1)
	if err := fix.pipe.Finalize(video.ID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	fix.waitForState(t, video.ID, models.VideoStateReady)
	fix.waitForTerminalJobs(t, video.ID, 1)

	status, err := fix.pipe.Status(video.ID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Video.State != models.VideoStateReady {
		t.Fatalf("status state = %s", status.Video.State)
	}
	if len(status.Jobs) != 1 || status.ManifestEntries != 1 {
		t.Fatalf("status jobs=%d manifest=%d", len(status.Jobs), status.ManifestEntries)
	}

	if _, err := fix.pipe.Status("missing"); media.KindOf(err) != media.KindNotFound {
		t.Fatalf("Status(missing) = %v, want not found", err)
	}
}

package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"opqo-media/internal/media"
	"opqo-media/internal/models"
	"opqo-media/internal/storage"
)

type assemblyFixture struct {
	store     *storage.Storage
	chunks    *ChunkStore
	assembler *Assembler
}

func newAssemblyFixture(t *testing.T) *assemblyFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewStorage(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	chunks := NewChunkStore(filepath.Join(dir, "staging"), store)
	return &assemblyFixture{
		store:     store,
		chunks:    chunks,
		assembler: NewAssembler(chunks, store, filepath.Join(dir, "work"), nil),
	}
}

func (f *assemblyFixture) registerVideo(t *testing.T, hash string, chunkCount int) models.VideoAsset {
	t.Helper()
	video, err := f.store.CreateVideo(storage.CreateVideoParams{
		ContentHash: hash,
		Width:       1280,
		Height:      720,
		Extension:   ".mp4",
		ChunkCount:  chunkCount,
	})
	if err != nil {
		t.Fatalf("CreateVideo: %v", err)
	}
	return video
}

func TestAssembleOrdersChunksByIndex(t *testing.T) {
	fixture := newAssemblyFixture(t)
	video := fixture.registerVideo(t, "order-hash", 5)

	// Upload in a shuffled order; assembly must still produce index order.
	order := rand.Perm(5)
	for _, index := range order {
		payload := strings.NewReader(fmt.Sprintf("chunk-%d|", index))
		if _, err := fixture.chunks.Put(context.Background(), video.ID, index, payload); err != nil {
			t.Fatalf("Put chunk %d: %v", index, err)
		}
	}

	_, source, err := fixture.assembler.Assemble(context.Background(), video.ID)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	want := "chunk-0|chunk-1|chunk-2|chunk-3|chunk-4|"
	if string(data) != want {
		t.Fatalf("source = %q, want %q", data, want)
	}
}

func TestAssembleRejectsIncompleteChunkSet(t *testing.T) {
	fixture := newAssemblyFixture(t)
	video := fixture.registerVideo(t, "incomplete-hash", 3)

	if _, err := fixture.chunks.Put(context.Background(), video.ID, 0, strings.NewReader("a")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, _, err := fixture.assembler.Assemble(context.Background(), video.ID)
	if media.KindOf(err) != media.KindConflict {
		t.Fatalf("expected conflict for incomplete set, got %v", err)
	}

	got, _ := fixture.store.GetVideo(video.ID)
	if got.State != models.VideoStateChunksPending {
		t.Fatalf("state = %s after rejected assembly", got.State)
	}
}

func TestAssembleSecondAttemptLosesRace(t *testing.T) {
	fixture := newAssemblyFixture(t)
	video := fixture.registerVideo(t, "race-hash", 1)
	if _, err := fixture.chunks.Put(context.Background(), video.ID, 0, strings.NewReader("data")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, _, err := fixture.assembler.Assemble(context.Background(), video.ID); err != nil {
		t.Fatalf("first Assemble: %v", err)
	}
	_, _, err := fixture.assembler.Assemble(context.Background(), video.ID)
	if media.KindOf(err) != media.KindConflict {
		t.Fatalf("expected conflict on second assembly, got %v", err)
	}
}

func TestAssembleCleansStagingOnSuccess(t *testing.T) {
	fixture := newAssemblyFixture(t)
	video := fixture.registerVideo(t, "cleanup-hash", 2)
	for i := 0; i < 2; i++ {
		if _, err := fixture.chunks.Put(context.Background(), video.ID, i, strings.NewReader("x")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	if _, _, err := fixture.assembler.Assemble(context.Background(), video.ID); err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if _, err := os.Stat(fixture.chunks.StagingDir(video.ID)); !os.IsNotExist(err) {
		t.Fatal("staging dir still present after assembly")
	}
	if fixture.store.CountChunks(video.ID) != 0 {
		t.Fatal("chunk records still present after assembly")
	}
	got, _ := fixture.store.GetVideo(video.ID)
	if got.State != models.VideoStateAssembled {
		t.Fatalf("state = %s, want assembled", got.State)
	}
}

func TestAssembleRollsBackOnMissingBlob(t *testing.T) {
	fixture := newAssemblyFixture(t)
	video := fixture.registerVideo(t, "rollback-hash", 2)
	for i := 0; i < 2; i++ {
		if _, err := fixture.chunks.Put(context.Background(), video.ID, i, strings.NewReader("x")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	// Simulate a lost blob: the record exists but the file is gone.
	if err := os.Remove(fixture.chunks.ChunkPath(video.ID, 1)); err != nil {
		t.Fatalf("remove blob: %v", err)
	}

	_, _, err := fixture.assembler.Assemble(context.Background(), video.ID)
	if media.KindOf(err) != media.KindConsistency {
		t.Fatalf("expected consistency error, got %v", err)
	}
	got, _ := fixture.store.GetVideo(video.ID)
	if got.State != models.VideoStateChunksPending {
		t.Fatalf("state = %s after failed assembly, want chunks_pending", got.State)
	}
	// Both the consumed chunk and the stale record for the lost blob are gone,
	// so a resuming client re-uploads exactly what is missing.
	if fixture.store.HasChunk(video.ID, 1) {
		t.Fatal("stale record for the missing blob should be dropped")
	}
	if count := fixture.store.CountChunks(video.ID); count != 0 {
		t.Fatalf("chunk records after rollback = %d, want 0", count)
	}
	for i := 0; i < 2; i++ {
		if _, err := fixture.chunks.Put(context.Background(), video.ID, i, strings.NewReader("x")); err != nil {
			t.Fatalf("re-upload chunk %d: %v", i, err)
		}
	}
	if _, _, err := fixture.assembler.Assemble(context.Background(), video.ID); err != nil {
		t.Fatalf("Assemble after re-upload: %v", err)
	}
}

func TestChunkPutOverwriteAndExists(t *testing.T) {
	fixture := newAssemblyFixture(t)
	video := fixture.registerVideo(t, "overwrite-hash", 2)

	if _, err := fixture.chunks.Put(context.Background(), video.ID, 0, strings.NewReader("first")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	size, err := fixture.chunks.Put(context.Background(), video.ID, 0, strings.NewReader("second!"))
	if err != nil {
		t.Fatalf("Put overwrite: %v", err)
	}
	if size != int64(len("second!")) {
		t.Fatalf("size = %d", size)
	}
	if !fixture.chunks.Exists(video.ID, 0) {
		t.Fatal("chunk 0 should exist")
	}
	if fixture.chunks.Exists(video.ID, 1) {
		t.Fatal("chunk 1 should not exist")
	}

	data, err := os.ReadFile(fixture.chunks.ChunkPath(video.ID, 0))
	if err != nil {
		t.Fatalf("read chunk: %v", err)
	}
	if string(data) != "second!" {
		t.Fatalf("blob = %q after overwrite", data)
	}
}

func TestChunkPutValidation(t *testing.T) {
	fixture := newAssemblyFixture(t)
	video := fixture.registerVideo(t, "bounds-hash", 2)

	if _, err := fixture.chunks.Put(context.Background(), video.ID, 2, strings.NewReader("x")); media.KindOf(err) != media.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := fixture.chunks.Put(context.Background(), "missing", 0, strings.NewReader("x")); media.KindOf(err) != media.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

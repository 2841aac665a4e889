package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"opqo-media/internal/media"
	"opqo-media/internal/models"
	"opqo-media/internal/storage"
)

// ManifestAggregator maintains the master HLS playlist for each video. Every
// completed rendition appends one variant entry; the read-modify-write cycle
// is serialized per video through a keyed mutex rather than a global lock.
type ManifestAggregator struct {
	repo     storage.Repository
	workRoot string
	locks    *KeyedMutex
}

func NewManifestAggregator(repo storage.Repository, workRoot string) *ManifestAggregator {
	return &ManifestAggregator{repo: repo, workRoot: workRoot, locks: NewKeyedMutex()}
}

// ManifestPath returns where the local master playlist for a video lives.
func (m *ManifestAggregator) ManifestPath(videoID string) string {
	return filepath.Join(m.workRoot, videoID, "master.m3u8")
}

// AddRendition appends a variant entry for target and rewrites the playlist.
// A duplicate completion for an already listed target is a no-op; the second
// return reports whether the manifest actually changed.
func (m *ManifestAggregator) AddRendition(videoID string, target Target) (models.MasterManifest, bool, error) {
	const op = "pipeline.ManifestAggregator.AddRendition"

	unlock := m.locks.Lock(videoID)
	defer unlock()

	manifest, ok := m.repo.GetManifest(videoID)
	if !ok {
		manifest = models.MasterManifest{VideoID: videoID}
	}
	if manifest.HasEntry(target.Label) {
		return manifest, false, nil
	}

	manifest.Entries = append(manifest.Entries, models.ManifestEntry{
		Target:    target.Label,
		Bandwidth: target.Bandwidth(),
		Width:     target.Width,
		Height:    target.Height,
		Path:      target.Label + "/index.m3u8",
	})
	sort.Slice(manifest.Entries, func(i, j int) bool {
		return manifest.Entries[i].Bandwidth < manifest.Entries[j].Bandwidth
	})
	manifest.Playlist = RenderMasterPlaylist(manifest.Entries)

	if err := m.writeLocal(videoID, manifest.Playlist); err != nil {
		return models.MasterManifest{}, false, media.Storagef(op, "write playlist: %v", err)
	}
	if err := m.repo.SaveManifest(manifest); err != nil {
		return models.MasterManifest{}, false, err
	}
	stored, ok := m.repo.GetManifest(videoID)
	if ok {
		manifest = stored
	}
	return manifest, true, nil
}

// Delete removes the stored manifest and its local file.
func (m *ManifestAggregator) Delete(videoID string) error {
	unlock := m.locks.Lock(videoID)
	defer unlock()

	if err := os.Remove(m.ManifestPath(videoID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove playlist: %w", err)
	}
	return m.repo.DeleteManifest(videoID)
}

func (m *ManifestAggregator) writeLocal(videoID, playlist string) error {
	path := m.ManifestPath(videoID)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	_, err := writeAtomic(dir, path, strings.NewReader(playlist))
	return err
}

// RenderMasterPlaylist serialises manifest entries into an HLS master
// playlist. Entries are emitted in the order given.
func RenderMasterPlaylist(entries []models.ManifestEntry) string {
	var builder strings.Builder
	builder.WriteString("#EXTM3U\n")
	builder.WriteString("#EXT-X-VERSION:3\n")
	for _, entry := range entries {
		fmt.Fprintf(&builder, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", entry.Bandwidth, entry.Width, entry.Height)
		builder.WriteString(entry.Path)
		builder.WriteByte('\n')
	}
	return builder.String()
}

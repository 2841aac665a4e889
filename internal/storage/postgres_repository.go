package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"opqo-media/internal/media"
	"opqo-media/internal/models"
)

// PostgresConfig describes how the repository initialises its connection
// pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:   dsn,
		Clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	now  func() time.Time
}

var _ Repository = (*postgresRepository)(nil)

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{pool: pool, cfg: cfg, now: cfg.Clock}
	if err := repo.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS videos (
	id TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL UNIQUE,
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	extension TEXT NOT NULL DEFAULT '',
	size_bytes BIGINT NOT NULL DEFAULT 0,
	chunk_count INTEGER NOT NULL,
	state TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	ready_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS chunks (
	video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
	chunk_index INTEGER NOT NULL,
	size_bytes BIGINT NOT NULL DEFAULT 0,
	received_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (video_id, chunk_index)
);
CREATE TABLE IF NOT EXISTS rendition_jobs (
	video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
	target TEXT NOT NULL,
	state TEXT NOT NULL,
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	bitrate_kbps INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	PRIMARY KEY (video_id, target)
);
CREATE TABLE IF NOT EXISTS manifests (
	video_id TEXT PRIMARY KEY REFERENCES videos(id) ON DELETE CASCADE,
	playlist TEXT NOT NULL DEFAULT '',
	entries JSONB NOT NULL DEFAULT '[]'::jsonb,
	updated_at TIMESTAMPTZ NOT NULL
);
`

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Close drains the pool, bounded by ctx.
func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) opCtx() (context.Context, context.CancelFunc) {
	timeout := r.cfg.AcquireTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const videoColumns = `id, content_hash, width, height, duration_seconds, extension, size_bytes, chunk_count, state, error, created_at, updated_at, ready_at`

func scanVideo(row pgx.Row) (models.VideoAsset, error) {
	var video models.VideoAsset
	var state string
	err := row.Scan(
		&video.ID,
		&video.ContentHash,
		&video.Width,
		&video.Height,
		&video.DurationSeconds,
		&video.Extension,
		&video.SizeBytes,
		&video.ChunkCount,
		&state,
		&video.Error,
		&video.CreatedAt,
		&video.UpdatedAt,
		&video.ReadyAt,
	)
	if err != nil {
		return models.VideoAsset{}, err
	}
	video.State = models.VideoState(state)
	return video, nil
}

func (r *postgresRepository) CreateVideo(params CreateVideoParams) (models.VideoAsset, error) {
	hash := strings.TrimSpace(params.ContentHash)
	if hash == "" {
		return models.VideoAsset{}, media.Validationf("storage.CreateVideo", "content hash is required")
	}
	if params.ChunkCount <= 0 {
		return models.VideoAsset{}, media.Validationf("storage.CreateVideo", "chunk count must be positive")
	}

	ctx, cancel := r.opCtx()
	defer cancel()

	now := r.now()
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
	_, err := r.pool.Exec(ctx,
		`INSERT INTO videos (id, content_hash, width, height, duration_seconds, extension, size_bytes, chunk_count, state, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, '', $10, $10)`,
		video.ID, video.ContentHash, video.Width, video.Height, video.DurationSeconds,
		video.Extension, video.SizeBytes, video.ChunkCount, string(video.State), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.VideoAsset{}, media.Conflictf("storage.CreateVideo", "content hash %s already registered", hash)
		}
		return models.VideoAsset{}, media.Storagef("storage.CreateVideo", "insert video: %v", err)
	}
	return video, nil
}

func (r *postgresRepository) GetVideo(id string) (models.VideoAsset, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	video, err := scanVideo(r.pool.QueryRow(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE id = $1`, id))
	if err != nil {
		return models.VideoAsset{}, false
	}
	return video, true
}

func (r *postgresRepository) FindVideoByHash(hash string) (models.VideoAsset, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	video, err := scanVideo(r.pool.QueryRow(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE content_hash = $1`, hash))
	if err != nil {
		return models.VideoAsset{}, false
	}
	return video, true
}

func (r *postgresRepository) ListVideos() []models.VideoAsset {
	ctx, cancel := r.opCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT `+videoColumns+` FROM videos ORDER BY created_at`)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var videos []models.VideoAsset
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil
		}
		videos = append(videos, video)
	}
	return videos
}

func (r *postgresRepository) TransitionVideoState(id string, from, to models.VideoState) (models.VideoAsset, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	video, err := scanVideo(r.pool.QueryRow(ctx,
		`UPDATE videos SET state = $1, updated_at = $2 WHERE id = $3 AND state = $4 RETURNING `+videoColumns,
		string(to), r.now(), id, string(from)))
	if err == nil {
		return video, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.VideoAsset{}, media.Storagef("storage.TransitionVideoState", "update video: %v", err)
	}

	var current string
	lookupErr := r.pool.QueryRow(ctx, `SELECT state FROM videos WHERE id = $1`, id).Scan(&current)
	if errors.Is(lookupErr, pgx.ErrNoRows) {
		return models.VideoAsset{}, media.NotFoundf("storage.TransitionVideoState", "video %s not found", id)
	}
	if lookupErr != nil {
		return models.VideoAsset{}, media.Storagef("storage.TransitionVideoState", "lookup video: %v", lookupErr)
	}
	return models.VideoAsset{}, media.Conflictf("storage.TransitionVideoState", "video %s is %s, expected %s", id, current, from)
}

func (r *postgresRepository) UpdateVideo(id string, update VideoUpdate) (models.VideoAsset, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	setters := []string{"updated_at = $1"}
	args := []any{r.now()}
	if update.State != nil {
		args = append(args, string(*update.State))
		setters = append(setters, fmt.Sprintf("state = $%d", len(args)))
	}
	if update.Error != nil {
		args = append(args, *update.Error)
		setters = append(setters, fmt.Sprintf("error = $%d", len(args)))
	}
	if update.ReadyAt != nil {
		args = append(args, *update.ReadyAt)
		setters = append(setters, fmt.Sprintf("ready_at = $%d", len(args)))
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE videos SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(setters, ", "), len(args), videoColumns)

	video, err := scanVideo(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.VideoAsset{}, media.NotFoundf("storage.UpdateVideo", "video %s not found", id)
	}
	if err != nil {
		return models.VideoAsset{}, media.Storagef("storage.UpdateVideo", "update video: %v", err)
	}
	return video, nil
}

func (r *postgresRepository) DeleteVideo(id string) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM videos WHERE id = $1`, id)
	if err != nil {
		return media.Storagef("storage.DeleteVideo", "delete video: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return media.NotFoundf("storage.DeleteVideo", "video %s not found", id)
	}
	return nil
}

func (r *postgresRepository) PutChunk(record models.ChunkRecord) error {
	ctx, cancel := r.opCtx()
	defer cancel()

	var chunkCount int
	err := r.pool.QueryRow(ctx, `SELECT chunk_count FROM videos WHERE id = $1`, record.VideoID).Scan(&chunkCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return media.NotFoundf("storage.PutChunk", "video %s not found", record.VideoID)
	}
	if err != nil {
		return media.Storagef("storage.PutChunk", "lookup video: %v", err)
	}
	if record.Index < 0 || record.Index >= chunkCount {
		return media.Validationf("storage.PutChunk", "chunk index %d out of range [0,%d)", record.Index, chunkCount)
	}
	receivedAt := record.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = r.now()
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO chunks (video_id, chunk_index, size_bytes, received_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (video_id, chunk_index) DO UPDATE SET size_bytes = EXCLUDED.size_bytes, received_at = EXCLUDED.received_at`,
		record.VideoID, record.Index, record.SizeBytes, receivedAt,
	)
	if err != nil {
		return media.Storagef("storage.PutChunk", "insert chunk: %v", err)
	}
	return nil
}

func (r *postgresRepository) HasChunk(videoID string, index int) bool {
	ctx, cancel := r.opCtx()
	defer cancel()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chunks WHERE video_id = $1 AND chunk_index = $2)`,
		videoID, index).Scan(&exists)
	return err == nil && exists
}

func (r *postgresRepository) CountChunks(videoID string) int {
	ctx, cancel := r.opCtx()
	defer cancel()
	var count int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM chunks WHERE video_id = $1`, videoID).Scan(&count); err != nil {
		return 0
	}
	return count
}

func (r *postgresRepository) ListChunkIndexes(videoID string) []int {
	ctx, cancel := r.opCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT chunk_index FROM chunks WHERE video_id = $1 ORDER BY chunk_index`, videoID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var indexes []int
	for rows.Next() {
		var index int
		if err := rows.Scan(&index); err != nil {
			return nil
		}
		indexes = append(indexes, index)
	}
	return indexes
}

func (r *postgresRepository) DeleteChunk(videoID string, index int) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	if _, err := r.pool.Exec(ctx, `DELETE FROM chunks WHERE video_id = $1 AND chunk_index = $2`, videoID, index); err != nil {
		return media.Storagef("storage.DeleteChunk", "delete chunk: %v", err)
	}
	return nil
}

func (r *postgresRepository) DeleteChunks(videoID string) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	if _, err := r.pool.Exec(ctx, `DELETE FROM chunks WHERE video_id = $1`, videoID); err != nil {
		return media.Storagef("storage.DeleteChunks", "delete chunks: %v", err)
	}
	return nil
}

const renditionColumns = `video_id, target, state, width, height, bitrate_kbps, error, created_at, started_at, finished_at`

func scanRenditionJob(row pgx.Row) (models.RenditionJob, error) {
	var job models.RenditionJob
	var state string
	err := row.Scan(
		&job.VideoID,
		&job.Target,
		&state,
		&job.Width,
		&job.Height,
		&job.BitrateKbs,
		&job.Error,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
	)
	if err != nil {
		return models.RenditionJob{}, err
	}
	job.State = models.RenditionState(state)
	return job, nil
}

func (r *postgresRepository) CreateRenditionJob(job models.RenditionJob) (models.RenditionJob, error) {
	if strings.TrimSpace(job.Target) == "" {
		return models.RenditionJob{}, media.Validationf("storage.CreateRenditionJob", "rendition target is required")
	}
	if job.State == "" {
		job.State = models.RenditionStateQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = r.now()
	}

	ctx, cancel := r.opCtx()
	defer cancel()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO rendition_jobs (video_id, target, state, width, height, bitrate_kbps, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, '', $7)`,
		job.VideoID, job.Target, string(job.State), job.Width, job.Height, job.BitrateKbs, job.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.RenditionJob{}, media.Conflictf("storage.CreateRenditionJob", "rendition %s already exists for video %s", job.Target, job.VideoID)
		}
		return models.RenditionJob{}, media.Storagef("storage.CreateRenditionJob", "insert rendition job: %v", err)
	}
	return job, nil
}

func (r *postgresRepository) UpdateRenditionJob(videoID, target string, state models.RenditionState, jobErr string) (models.RenditionJob, error) {
	ctx, cancel := r.opCtx()
	defer cancel()

	now := r.now()
	job, err := scanRenditionJob(r.pool.QueryRow(ctx,
		`UPDATE rendition_jobs SET
			state = $1,
			error = $2,
			started_at = CASE WHEN $1 = 'running' AND started_at IS NULL THEN $3 ELSE started_at END,
			finished_at = CASE WHEN $1 IN ('succeeded', 'failed', 'cancelled') AND finished_at IS NULL THEN $3 ELSE finished_at END
		 WHERE video_id = $4 AND target = $5
		 RETURNING `+renditionColumns,
		string(state), jobErr, now, videoID, target))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RenditionJob{}, media.NotFoundf("storage.UpdateRenditionJob", "rendition %s not found for video %s", target, videoID)
	}
	if err != nil {
		return models.RenditionJob{}, media.Storagef("storage.UpdateRenditionJob", "update rendition job: %v", err)
	}
	return job, nil
}

func (r *postgresRepository) ListRenditionJobs(videoID string) []models.RenditionJob {
	ctx, cancel := r.opCtx()
	defer cancel()
	rows, err := r.pool.Query(ctx,
		`SELECT `+renditionColumns+` FROM rendition_jobs WHERE video_id = $1 ORDER BY target`, videoID)
	if err != nil {
		return nil
	}
	defer rows.Close()
	var jobs []models.RenditionJob
	for rows.Next() {
		job, err := scanRenditionJob(rows)
		if err != nil {
			return nil
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func (r *postgresRepository) GetManifest(videoID string) (models.MasterManifest, bool) {
	ctx, cancel := r.opCtx()
	defer cancel()
	manifest := models.MasterManifest{VideoID: videoID}
	err := r.pool.QueryRow(ctx,
		`SELECT playlist, entries, updated_at FROM manifests WHERE video_id = $1`, videoID).
		Scan(&manifest.Playlist, &manifest.Entries, &manifest.UpdatedAt)
	if err != nil {
		return models.MasterManifest{}, false
	}
	return manifest, true
}

func (r *postgresRepository) SaveManifest(manifest models.MasterManifest) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	updatedAt := manifest.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = r.now()
	}
	entries := manifest.Entries
	if entries == nil {
		entries = []models.ManifestEntry{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO manifests (video_id, playlist, entries, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (video_id) DO UPDATE SET playlist = EXCLUDED.playlist, entries = EXCLUDED.entries, updated_at = EXCLUDED.updated_at`,
		manifest.VideoID, manifest.Playlist, entries, updatedAt,
	)
	if err != nil {
		return media.Storagef("storage.SaveManifest", "upsert manifest: %v", err)
	}
	return nil
}

func (r *postgresRepository) DeleteManifest(videoID string) error {
	ctx, cancel := r.opCtx()
	defer cancel()
	if _, err := r.pool.Exec(ctx, `DELETE FROM manifests WHERE video_id = $1`, videoID); err != nil {
		return media.Storagef("storage.DeleteManifest", "delete manifest: %v", err)
	}
	return nil
}

package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// EncodeJobLabel keys encode outcome counters by rendition target and
// terminal status.
type EncodeJobLabel struct {
	Target string
	Status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, chunk intake, assembly, rendition encodes, artifact publishes,
// and reclaim sweeps. It coordinates concurrent writers via a RWMutex while
// exposing thread-safe gauges for in-flight work.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	chunkEvents     map[string]uint64
	assemblyEvents  map[string]uint64
	encodeEvents    map[EncodeJobLabel]uint64
	publishEvents   map[string]uint64
	reclaimEvents   map[string]uint64
	activeEncodes   atomic.Int64
	pendingVideos   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		chunkEvents:     make(map[string]uint64),
		assemblyEvents:  make(map[string]uint64),
		encodeEvents:    make(map[EncodeJobLabel]uint64),
		publishEvents:   make(map[string]uint64),
		reclaimEvents:   make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveChunk records a chunk intake outcome ("accepted", "rejected",
// "duplicate").
func (r *Recorder) ObserveChunk(outcome string) {
	key := normalizeName(outcome)
	r.mu.Lock()
	r.chunkEvents[key]++
	r.mu.Unlock()
}

// ObserveAssembly records an assembly outcome ("success", "conflict",
// "failure", "noop").
func (r *Recorder) ObserveAssembly(outcome string) {
	key := normalizeName(outcome)
	r.mu.Lock()
	r.assemblyEvents[key]++
	r.mu.Unlock()
}

// EncodeStarted records the launch of a rendition encode and increments the
// active encode gauge.
func (r *Recorder) EncodeStarted(target string) {
	r.recordEncodeEvent(target, "start")
	r.activeEncodes.Add(1)
}

// EncodeSucceeded records a successful encode and decrements the gauge.
func (r *Recorder) EncodeSucceeded(target string) {
	r.recordEncodeEvent(target, "success")
	r.decrementGauge(&r.activeEncodes)
}

// EncodeFailed records a failed, timed-out, or cancelled encode and
// decrements the gauge without letting it go negative.
func (r *Recorder) EncodeFailed(target string) {
	r.recordEncodeEvent(target, "failure")
	r.decrementGauge(&r.activeEncodes)
}

func (r *Recorder) recordEncodeEvent(target, status string) {
	label := EncodeJobLabel{
		Target: normalizeName(target),
		Status: normalizeName(status),
	}
	r.mu.Lock()
	r.encodeEvents[label]++
	r.mu.Unlock()
}

// ObservePublish records a publish outcome ("success", "retry", "failure").
func (r *Recorder) ObservePublish(outcome string) {
	key := normalizeName(outcome)
	r.mu.Lock()
	r.publishEvents[key]++
	r.mu.Unlock()
}

// ObserveReclaim records a reclaim outcome ("success", "failure").
func (r *Recorder) ObserveReclaim(outcome string) {
	key := normalizeName(outcome)
	r.mu.Lock()
	r.reclaimEvents[key]++
	r.mu.Unlock()
}

// VideoQueued increments the gauge of videos waiting in the pipeline queue.
func (r *Recorder) VideoQueued() {
	r.pendingVideos.Add(1)
}

// VideoDequeued decrements the pending video gauge.
func (r *Recorder) VideoDequeued() {
	r.decrementGauge(&r.pendingVideos)
}

// ActiveEncodes exposes the number of encode processes currently running.
func (r *Recorder) ActiveEncodes() int64 {
	return r.activeEncodes.Load()
}

// PendingVideos exposes the number of videos waiting for pipeline workers.
func (r *Recorder) PendingVideos() int64 {
	return r.pendingVideos.Load()
}

// EncodeCounts returns copies of encode event counters and the current active
// encode gauge value for tests and reporting.
func (r *Recorder) EncodeCounts() (events map[EncodeJobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[EncodeJobLabel]uint64, len(r.encodeEvents))
	for k, v := range r.encodeEvents {
		events[k] = v
	}
	return events, r.activeEncodes.Load()
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.chunkEvents = make(map[string]uint64)
	r.assemblyEvents = make(map[string]uint64)
	r.encodeEvents = make(map[EncodeJobLabel]uint64)
	r.publishEvents = make(map[string]uint64)
	r.reclaimEvents = make(map[string]uint64)
	r.activeEncodes.Store(0)
	r.pendingVideos.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	chunkEvents := sortedKeys(r.chunkEvents)
	assemblyEvents := sortedKeys(r.assemblyEvents)
	encodeLabels := r.sortedEncodeLabels()
	publishEvents := sortedKeys(r.publishEvents)
	reclaimEvents := sortedKeys(r.reclaimEvents)

	fmt.Fprintln(w, "# HELP opqo_http_requests_total Total number of HTTP requests processed by the service")
	fmt.Fprintln(w, "# TYPE opqo_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "opqo_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP opqo_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE opqo_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "opqo_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP opqo_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE opqo_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "opqo_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP opqo_chunk_events_total Chunk intake outcomes by type")
	fmt.Fprintln(w, "# TYPE opqo_chunk_events_total counter")
	for _, event := range chunkEvents {
		fmt.Fprintf(w, "opqo_chunk_events_total{outcome=\"%s\"} %d\n", event, r.chunkEvents[event])
	}

	fmt.Fprintln(w, "# HELP opqo_assembly_events_total Assembly outcomes by type")
	fmt.Fprintln(w, "# TYPE opqo_assembly_events_total counter")
	for _, event := range assemblyEvents {
		fmt.Fprintf(w, "opqo_assembly_events_total{outcome=\"%s\"} %d\n", event, r.assemblyEvents[event])
	}

	fmt.Fprintln(w, "# HELP opqo_encode_jobs_total Rendition encode events by target and status")
	fmt.Fprintln(w, "# TYPE opqo_encode_jobs_total counter")
	for _, label := range encodeLabels {
		fmt.Fprintf(w, "opqo_encode_jobs_total{target=\"%s\",status=\"%s\"} %d\n", label.Target, label.Status, r.encodeEvents[label])
	}

	fmt.Fprintln(w, "# HELP opqo_encode_active_jobs Current number of running encode processes")
	fmt.Fprintln(w, "# TYPE opqo_encode_active_jobs gauge")
	fmt.Fprintf(w, "opqo_encode_active_jobs %d\n", r.activeEncodes.Load())

	fmt.Fprintln(w, "# HELP opqo_publish_events_total Artifact publish outcomes by type")
	fmt.Fprintln(w, "# TYPE opqo_publish_events_total counter")
	for _, event := range publishEvents {
		fmt.Fprintf(w, "opqo_publish_events_total{outcome=\"%s\"} %d\n", event, r.publishEvents[event])
	}

	fmt.Fprintln(w, "# HELP opqo_reclaim_events_total Resource reclaim outcomes by type")
	fmt.Fprintln(w, "# TYPE opqo_reclaim_events_total counter")
	for _, event := range reclaimEvents {
		fmt.Fprintf(w, "opqo_reclaim_events_total{outcome=\"%s\"} %d\n", event, r.reclaimEvents[event])
	}

	fmt.Fprintln(w, "# HELP opqo_pipeline_pending_videos Current number of videos queued for pipeline workers")
	fmt.Fprintln(w, "# TYPE opqo_pipeline_pending_videos gauge")
	fmt.Fprintf(w, "opqo_pipeline_pending_videos %d\n", r.pendingVideos.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedEncodeLabels() []EncodeJobLabel {
	labels := make([]EncodeJobLabel, 0, len(r.encodeEvents))
	for label := range r.encodeEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Target != labels[j].Target {
			return labels[i].Target < labels[j].Target
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// ObserveChunk records a chunk intake outcome on the default recorder.
func ObserveChunk(outcome string) {
	defaultRecorder.ObserveChunk(outcome)
}

// ObserveAssembly records an assembly outcome on the default recorder.
func ObserveAssembly(outcome string) {
	defaultRecorder.ObserveAssembly(outcome)
}

// EncodeStarted records an encode launch on the default recorder.
func EncodeStarted(target string) {
	defaultRecorder.EncodeStarted(target)
}

// EncodeSucceeded records an encode success on the default recorder.
func EncodeSucceeded(target string) {
	defaultRecorder.EncodeSucceeded(target)
}

// EncodeFailed records an encode failure on the default recorder.
func EncodeFailed(target string) {
	defaultRecorder.EncodeFailed(target)
}

// ObservePublish records a publish outcome on the default recorder.
func ObservePublish(outcome string) {
	defaultRecorder.ObservePublish(outcome)
}

// ObserveReclaim records a reclaim outcome on the default recorder.
func ObserveReclaim(outcome string) {
	defaultRecorder.ObserveReclaim(outcome)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}

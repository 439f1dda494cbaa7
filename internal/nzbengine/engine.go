package nzbengine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
	"golang.org/x/time/rate"

	"github.com/mediahunt/mediahunt/internal/errors"
	"github.com/mediahunt/mediahunt/internal/metrics"
	"github.com/mediahunt/mediahunt/internal/nntp"
	"github.com/mediahunt/mediahunt/internal/nzb"
	"github.com/mediahunt/mediahunt/internal/store"
)

// ArticleFetcher retrieves one article body, returning the name of the pool
// that served it. The NNTP dispatcher is the production implementation.
type ArticleFetcher interface {
	Fetch(ctx context.Context, messageID string, groups []string) ([]byte, string, error)
}

// PostProcessor runs the repair/extract pipeline on a completed item's
// directory.
type PostProcessor interface {
	Process(ctx context.Context, dir string) error
}

// Config is the engine's static configuration.
type Config struct {
	InstanceID   string
	TempDir      string
	DownloadDir  string
	CategoryDirs map[string]string
	// FetchWorkers bounds parallel segment retrieval. Zero means the sum
	// of all server connection caps.
	FetchWorkers int
}

// persistedState is the engine's ConfigStore document.
type persistedState struct {
	Queue   []*Item             `json:"queue"`
	History []HistoryEntry      `json:"history"`
	Servers []nntp.ServerConfig `json:"servers"`
}

// Status is the read-model snapshot served over IPC.
type Status struct {
	Paused          bool    `json:"paused"`
	QueuedCount     int     `json:"queued_count"`
	DownloadingCount int    `json:"downloading_count"`
	SpeedBps        float64 `json:"speed_bps"`
	SpeedLimitBps   int64   `json:"speed_limit_bps"`
	TotalBytes      int64   `json:"total_bytes"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
}

// Engine services the NZB download queue with a single background worker.
type Engine struct {
	cfg        Config
	st         store.Store
	log        *slog.Logger
	httpClient *http.Client

	mu         sync.Mutex
	queue      []*Item
	history    []HistoryEntry
	servers    []nntp.ServerConfig
	pools      []*nntp.Pool
	fetcher    ArticleFetcher
	post       PostProcessor
	limiter    *rate.Limiter
	speedLimit int64
	allPaused  bool

	bandwidth *BandwidthTracker
	wake      chan struct{}

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine loads persisted state, rebuilds the server pools and returns a
// stopped engine. Any item that was downloading when the process died is
// re-queued; its segments are re-retrieved idempotently by Message-ID.
func NewEngine(ctx context.Context, cfg Config, st store.Store, post PostProcessor) *Engine {
	e := &Engine{
		cfg:        cfg,
		st:         st,
		post:       post,
		log:        slog.Default().With("component", "nzb-engine"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		wake:       make(chan struct{}, 1),
		bandwidth:  NewBandwidthTracker(ctx, st, cfg.InstanceID),
	}

	var state persistedState
	if st != nil {
		if found, err := st.Get(ctx, cfg.InstanceID, store.KindNZBState, &state); err != nil {
			e.log.WarnContext(ctx, "failed to load engine state", "error", err)
		} else if found {
			e.queue = state.Queue
			e.history = state.History
			e.servers = state.Servers
		}
	}

	for _, item := range e.queue {
		if item.State == StateDownloading || item.State == StateExtracting {
			item.State = StateQueued
			item.SpeedBps = 0
			item.ETASeconds = 0
		}
	}

	e.rebuildPoolsLocked()
	return e
}

// rebuildPoolsLocked closes existing pools and creates fresh ones for all
// enabled servers. Caller must hold e.mu or have exclusive access.
func (e *Engine) rebuildPoolsLocked() {
	for _, p := range e.pools {
		p.Close()
	}
	e.pools = nil

	sources := make([]nntp.Source, 0, len(e.servers))
	for _, srv := range e.servers {
		if !srv.Enabled {
			continue
		}
		p := nntp.NewPool(srv, nil)
		e.pools = append(e.pools, p)
		sources = append(sources, p)
	}
	e.fetcher = nntp.NewDispatcher(sources)
}

// fetchWorkers returns the segment-retrieval parallelism.
func (e *Engine) fetchWorkers() int {
	if e.cfg.FetchWorkers > 0 {
		return e.cfg.FetchWorkers
	}
	total := 0
	for _, srv := range e.servers {
		if srv.Enabled {
			total += srv.MaxConnections
		}
	}
	if total <= 0 {
		total = 1
	}
	return total
}

// Start launches the queue worker.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.running = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.workerLoop(runCtx)
	}()

	e.log.InfoContext(ctx, "nzb engine started", "queued", len(e.queue), "servers", len(e.servers))
}

// Stop halts the worker and flushes state. The in-flight item, if any, is
// re-queued on the next start.
func (e *Engine) Stop(ctx context.Context) {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.cancel()
	e.running = false
	e.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		e.log.WarnContext(ctx, "timeout waiting for queue worker to stop")
	}

	e.bandwidth.Flush(ctx)

	e.mu.Lock()
	for _, item := range e.queue {
		if item.State == StateDownloading || item.State == StateExtracting {
			item.State = StateQueued
		}
	}
	e.saveStateLocked(ctx)
	for _, p := range e.pools {
		p.Close()
	}
	e.pools = nil
	e.mu.Unlock()
}

func (e *Engine) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-time.After(500 * time.Millisecond):
		}

		for {
			item := e.nextQueued()
			if item == nil {
				break
			}
			e.processItem(ctx, item)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// nextQueued picks the first queued item in insertion order, unless the
// engine is globally paused.
func (e *Engine) nextQueued() *Item {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.allPaused {
		return nil
	}
	for _, item := range e.queue {
		if item.State == StateQueued {
			return item
		}
	}
	return nil
}

func (e *Engine) wakeWorker() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// AddRequest carries the parameters of an enqueue.
type AddRequest struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	AddedBy  string `json:"added_by"`
	Priority int    `json:"priority"`
	// Content is the NZB XML. When empty, URL is fetched at enqueue time.
	Content string `json:"content,omitempty"`
	URL     string `json:"url,omitempty"`
}

// AddNZB resolves and validates the NZB, then appends a queued item.
func (e *Engine) AddNZB(ctx context.Context, req AddRequest) (string, error) {
	content := req.Content
	if content == "" {
		if req.URL == "" {
			return "", errors.New(errors.KindConfig, "add_nzb requires content or url")
		}
		fetched, err := e.fetchNZB(ctx, req.URL)
		if err != nil {
			return "", err
		}
		content = fetched
	}

	parsed, err := nzb.Parse([]byte(content))
	if err != nil {
		return "", errors.Wrap(errors.KindParse, "invalid NZB", err)
	}
	if len(parsed.Files) == 0 {
		return "", errors.New(errors.KindParse, "NZB contains no files")
	}

	name := req.Name
	if name == "" {
		name = parsed.Files[0].Filename()
	}

	item := &Item{
		ID:            uuid.NewString()[:8],
		Name:          name,
		Category:      req.Category,
		AddedBy:       req.AddedBy,
		Priority:      req.Priority,
		NZBURL:        req.URL,
		NZBContent:    content,
		State:         StateQueued,
		TotalBytes:    parsed.TotalBytes(),
		TotalSegments: parsed.TotalSegments(),
		TotalFiles:    len(parsed.Files),
		AddedAt:       time.Now().UTC(),
	}

	e.mu.Lock()
	e.queue = append(e.queue, item)
	metrics.QueueDepth.WithLabelValues("nzb").Set(float64(len(e.queue)))
	e.saveStateLocked(ctx)
	e.mu.Unlock()

	e.log.InfoContext(ctx, "nzb enqueued",
		"id", item.ID, "name", item.Name, "files", item.TotalFiles, "bytes", item.TotalBytes)
	e.wakeWorker()
	return item.ID, nil
}

func (e *Engine) fetchNZB(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(errors.KindConfig, "invalid nzb url", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.KindTransient, "fetch nzb", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.New(errors.KindTransient, fmt.Sprintf("fetch nzb: HTTP %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return "", errors.Wrap(errors.KindTransient, "read nzb body", err)
	}
	return string(data), nil
}

// PauseItem requests a pause. A downloading item is paused at the next
// segment boundary.
func (e *Engine) PauseItem(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	item := e.findLocked(id)
	if item == nil {
		return errors.New(errors.KindConflict, "item not found: "+id)
	}
	if !CanTransition(item.State, StatePaused) {
		return errors.New(errors.KindConflict,
			fmt.Sprintf("cannot pause item in state %s", item.State))
	}
	item.State = StatePaused
	e.saveStateLocked(ctx)
	return nil
}

// ResumeItem re-queues a paused item.
func (e *Engine) ResumeItem(ctx context.Context, id string) error {
	e.mu.Lock()
	item := e.findLocked(id)
	if item == nil {
		e.mu.Unlock()
		return errors.New(errors.KindConflict, "item not found: "+id)
	}
	if item.State != StatePaused {
		e.mu.Unlock()
		return errors.New(errors.KindConflict,
			fmt.Sprintf("cannot resume item in state %s", item.State))
	}
	item.State = StateQueued
	e.saveStateLocked(ctx)
	e.mu.Unlock()

	e.wakeWorker()
	return nil
}

// RemoveItem drops the item from the queue. An in-flight download notices
// the removal at the next segment boundary and discards its output.
func (e *Engine) RemoveItem(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, item := range e.queue {
		if item.ID == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			metrics.QueueDepth.WithLabelValues("nzb").Set(float64(len(e.queue)))
			e.saveStateLocked(ctx)
			return nil
		}
	}
	return errors.New(errors.KindConflict, "item not found: "+id)
}

// PauseAll stops the worker from picking new items and pauses the running one.
func (e *Engine) PauseAll(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.allPaused = true
	for _, item := range e.queue {
		if item.State == StateDownloading {
			item.State = StatePaused
		}
	}
	e.saveStateLocked(ctx)
}

// ResumeAll re-queues paused items and lets the worker run again.
func (e *Engine) ResumeAll(ctx context.Context) {
	e.mu.Lock()
	e.allPaused = false
	for _, item := range e.queue {
		if item.State == StatePaused {
			item.State = StateQueued
		}
	}
	e.saveStateLocked(ctx)
	e.mu.Unlock()

	e.wakeWorker()
}

// SetSpeedLimit installs a global download budget in bytes/second.
// Zero or negative removes the limit.
func (e *Engine) SetSpeedLimit(bps int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.speedLimit = bps
	if bps <= 0 {
		e.speedLimit = 0
		e.limiter = nil
		return
	}
	// Token bucket sized to one second of budget.
	e.limiter = rate.NewLimiter(rate.Limit(bps), int(bps))
}

// GetSpeedLimit returns the current budget, zero when unlimited.
func (e *Engine) GetSpeedLimit() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speedLimit
}

// SetServers replaces the server set and rebuilds the pools.
func (e *Engine) SetServers(ctx context.Context, servers []nntp.ServerConfig) error {
	for i := range servers {
		if err := servers[i].Validate(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.servers = servers
	e.rebuildPoolsLocked()
	e.saveStateLocked(ctx)
	return nil
}

// TestServers dials every configured server and reports per-server results.
func (e *Engine) TestServers(ctx context.Context) map[string]string {
	e.mu.Lock()
	pools := make([]*nntp.Pool, len(e.pools))
	copy(pools, e.pools)
	e.mu.Unlock()

	results := make(map[string]string, len(pools))
	for _, p := range pools {
		if err := p.TestConnection(ctx); err != nil {
			results[p.Name()] = err.Error()
		} else {
			results[p.Name()] = "ok"
		}
	}
	return results
}

// GetQueue returns a deep copy of the queue.
func (e *Engine) GetQueue() []Item {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Item, 0, len(e.queue))
	_ = copier.Copy(&out, &e.queue)
	return out
}

// GetHistory returns a deep copy of the history ring, newest first.
func (e *Engine) GetHistory() []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]HistoryEntry, 0, len(e.history))
	_ = copier.Copy(&out, &e.history)
	return out
}

// GetItem returns a copy of the item by id, from the queue or history.
func (e *Engine) GetItem(id string) (Item, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if item := e.findLocked(id); item != nil {
		var out Item
		_ = copier.Copy(&out, item)
		return out, true
	}
	return Item{}, false
}

// GetStatus aggregates the queue into the snapshot status.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := Status{
		Paused:        e.allPaused,
		SpeedLimitBps: e.speedLimit,
	}
	for _, item := range e.queue {
		switch item.State {
		case StateQueued, StatePaused:
			status.QueuedCount++
		case StateDownloading, StateExtracting:
			status.DownloadingCount++
			status.SpeedBps += item.SpeedBps
		}
		status.TotalBytes += item.TotalBytes
		status.DownloadedBytes += item.DownloadedBytes
	}
	return status
}

// FlushState persists the queue document and the bandwidth ledger.
func (e *Engine) FlushState(ctx context.Context) {
	e.mu.Lock()
	e.saveStateLocked(ctx)
	e.mu.Unlock()

	e.bandwidth.Flush(ctx)
}

// BandwidthStats exposes the per-server ledger aggregation.
func (e *Engine) BandwidthStats(server string) BandwidthStats {
	return e.bandwidth.Stats(server)
}

func (e *Engine) findLocked(id string) *Item {
	for _, item := range e.queue {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// saveStateLocked persists the queue/history/servers document. Caller holds
// e.mu.
func (e *Engine) saveStateLocked(ctx context.Context) {
	if e.st == nil {
		return
	}
	state := persistedState{
		Queue:   e.queue,
		History: e.history,
		Servers: e.servers,
	}
	if err := e.st.Save(ctx, e.cfg.InstanceID, store.KindNZBState, &state); err != nil {
		e.log.WarnContext(ctx, "failed to persist engine state", "error", err)
	}
}

// pushHistoryLocked appends to the capped history ring. Caller holds e.mu.
func (e *Engine) pushHistoryLocked(entry HistoryEntry) {
	e.history = append([]HistoryEntry{entry}, e.history...)
	if len(e.history) > historyLimit {
		e.history = e.history[:historyLimit]
	}
}

package torrent

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	anacrolix "github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"golang.org/x/time/rate"

	"github.com/mediahunt/mediahunt/internal/errors"
	"github.com/mediahunt/mediahunt/internal/metrics"
	"github.com/mediahunt/mediahunt/internal/store"
)

// Config holds the session settings.
type Config struct {
	InstanceID      string
	ListenPort      int
	DownloadDir     string
	ResumeDir       string
	ActiveDownloads int
	ActiveSeeds     int
	ActiveLimit     int
	MaxConnections  int
	DHT             bool
	// LSD requests local service discovery. The session library has no LSD
	// support, so enabling it only logs a notice; peers still arrive via
	// DHT, trackers and PEX.
	LSD             bool
	PortForwarding  bool
	SeedRatioLimit  float64
	SeedTimeLimit   time.Duration
	// Encryption is one of "enabled", "forced", "disabled".
	Encryption string
}

const (
	syncInterval        = 2 * time.Second
	resumeFlushInterval = 30 * time.Second
)

// persistedState is the engine's ConfigStore document. The queue itself is
// rebuilt from the per-torrent resume files.
type persistedState struct {
	History []HistoryEntry `json:"history"`
}

// Engine owns the BT session and the item mirror the IPC layer snapshots.
type Engine struct {
	cfg    Config
	client *anacrolix.Client
	st     store.Store
	log    *slog.Logger

	mu           sync.Mutex
	items        map[string]*Item
	handles      map[string]*anacrolix.Torrent
	paused       map[string]bool
	slotHeld     map[string]bool
	seedDone     map[string]bool
	history      []HistoryEntry
	globalPaused bool
	lastSync     time.Time

	limiter    *rate.Limiter
	speedLimit int64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the session, loads history and rehydrates torrents from their
// resume files.
func New(ctx context.Context, cfg Config, st store.Store) (*Engine, error) {
	limiter := rate.NewLimiter(rate.Inf, 0)

	ccfg := anacrolix.NewDefaultClientConfig()
	ccfg.DataDir = cfg.DownloadDir
	ccfg.ListenPort = cfg.ListenPort
	ccfg.NoDHT = !cfg.DHT
	ccfg.NoDefaultPortForwarding = !cfg.PortForwarding
	ccfg.Seed = true
	ccfg.DownloadRateLimiter = limiter
	if cfg.MaxConnections > 0 {
		ccfg.EstablishedConnsPerTorrent = cfg.MaxConnections
	}
	switch cfg.Encryption {
	case "forced":
		ccfg.HeaderObfuscationPolicy = anacrolix.HeaderObfuscationPolicy{Preferred: true, RequirePreferred: true}
	case "disabled":
		ccfg.HeaderObfuscationPolicy = anacrolix.HeaderObfuscationPolicy{Preferred: false, RequirePreferred: true}
	default:
		ccfg.HeaderObfuscationPolicy = anacrolix.HeaderObfuscationPolicy{Preferred: true}
	}

	client, err := anacrolix.NewClient(ccfg)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfig, "create torrent session", err)
	}

	e := &Engine{
		cfg:      cfg,
		client:   client,
		st:       st,
		log:      slog.Default().With("component", "torrent-engine"),
		items:    make(map[string]*Item),
		handles:  make(map[string]*anacrolix.Torrent),
		paused:   make(map[string]bool),
		slotHeld: make(map[string]bool),
		seedDone: make(map[string]bool),
		limiter:  limiter,
	}

	if cfg.LSD {
		e.log.WarnContext(ctx, "local service discovery is not supported by the session, ignoring")
	}

	if st != nil {
		var state persistedState
		if found, err := st.Get(ctx, cfg.InstanceID, store.KindTorrentState, &state); err != nil {
			e.log.WarnContext(ctx, "failed to load torrent state", "error", err)
		} else if found {
			e.history = state.History
		}
	}

	e.rehydrate(ctx)
	return e, nil
}

// rehydrate re-adds every torrent with a resume record. Records carrying the
// full metainfo restore directly; hash-only records are re-added as magnets.
func (e *Engine) rehydrate(ctx context.Context) {
	for _, rd := range listResume(e.cfg.ResumeDir) {
		var (
			t   *anacrolix.Torrent
			err error
		)
		if len(rd.MetaInfo) > 0 {
			var hash string
			var mi *metainfo.MetaInfo
			hash, mi, err = infoHashFromTorrent(rd.MetaInfo)
			if err == nil && hash == rd.InfoHash {
				t, err = e.client.AddTorrent(mi)
			}
		}
		if t == nil && err == nil {
			magnet := rd.MagnetURL
			if magnet == "" {
				magnet = "magnet:?xt=urn:btih:" + rd.InfoHash
			}
			t, err = e.client.AddMagnet(magnet)
		}
		if err != nil {
			e.log.WarnContext(ctx, "failed to rehydrate torrent",
				"info_hash", rd.InfoHash, "error", err)
			continue
		}

		item := &Item{
			ID:         rd.InfoHash,
			InfoHash:   rd.InfoHash,
			Name:       rd.Name,
			Category:   rd.Category,
			SavePath:   rd.SavePath,
			MagnetURL:  rd.MagnetURL,
			Status:     StatusChecking,
			Downloaded: rd.Downloaded,
			AddedAt:    time.Unix(rd.AddedAt, 0).UTC(),
		}
		e.items[rd.InfoHash] = item
		e.handles[rd.InfoHash] = t
		if rd.Paused {
			e.paused[rd.InfoHash] = true
			e.hardPause(t)
		} else {
			e.startWhenReady(t)
		}
	}

	if n := len(e.items); n > 0 {
		e.log.InfoContext(ctx, "rehydrated torrents", "count", n)
	}
}

// Start launches the sync and resume-flush loops.
func (e *Engine) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		syncTick := time.NewTicker(syncInterval)
		flushTick := time.NewTicker(resumeFlushInterval)
		defer syncTick.Stop()
		defer flushTick.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-syncTick.C:
				e.syncOnce(runCtx)
			case <-flushTick.C:
				e.flushResume()
			}
		}
	}()

	e.log.InfoContext(ctx, "torrent engine started", "torrents", len(e.items))
}

// Stop flushes resume data and closes the session.
func (e *Engine) Stop(ctx context.Context) {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.flushResume()
	e.saveState(ctx)
	e.client.Close()
}

// AddTorrentRequest carries one add operation. Exactly one of MagnetURL and
// TorrentData must be set.
type AddTorrentRequest struct {
	MagnetURL   string `json:"magnet_url,omitempty"`
	TorrentData []byte `json:"torrent_data,omitempty"`
	Category    string `json:"category,omitempty"`
	SavePath    string `json:"save_path,omitempty"`
	Name        string `json:"name,omitempty"`
}

// AddTorrent resolves the info hash, rejects duplicates and registers the
// torrent with the session.
func (e *Engine) AddTorrent(ctx context.Context, req AddTorrentRequest) (string, error) {
	var (
		hash string
		mi   *metainfo.MetaInfo
		err  error
	)
	switch {
	case len(req.TorrentData) > 0:
		hash, mi, err = infoHashFromTorrent(req.TorrentData)
	case req.MagnetURL != "":
		hash, err = infoHashFromMagnet(req.MagnetURL)
	default:
		return "", errors.New(errors.KindConfig, "add_torrent requires a magnet or torrent file")
	}
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	if _, exists := e.items[hash]; exists {
		e.mu.Unlock()
		return "", errors.New(errors.KindConflict, "torrent already added: "+hash)
	}
	e.mu.Unlock()

	var t *anacrolix.Torrent
	if mi != nil {
		t, err = e.client.AddTorrent(mi)
	} else {
		t, err = e.client.AddMagnet(req.MagnetURL)
	}
	if err != nil {
		return "", errors.Wrap(errors.KindTransient, "register torrent", err)
	}

	name := req.Name
	if name == "" && mi != nil {
		if info, err := mi.UnmarshalInfo(); err == nil {
			name = info.Name
		}
	}
	savePath := req.SavePath
	if savePath == "" {
		savePath = e.cfg.DownloadDir
	}

	item := &Item{
		ID:        hash,
		InfoHash:  hash,
		Name:      name,
		Category:  req.Category,
		SavePath:  savePath,
		MagnetURL: req.MagnetURL,
		Status:    StatusMetadata,
		AddedAt:   time.Now().UTC(),
	}
	if mi != nil {
		item.Status = StatusDownloading
	}

	e.mu.Lock()
	e.items[hash] = item
	e.handles[hash] = t
	metrics.QueueDepth.WithLabelValues("torrent").Set(float64(len(e.items)))
	e.mu.Unlock()

	e.startWhenReady(t)
	e.persistResume(item, mi)

	e.log.InfoContext(ctx, "torrent added", "info_hash", hash, "name", name)
	return hash, nil
}

// startWhenReady kicks off the download once metadata is known.
func (e *Engine) startWhenReady(t *anacrolix.Torrent) {
	go func() {
		select {
		case <-t.GotInfo():
			t.DownloadAll()
		case <-t.Closed():
		}
	}()
}

func (e *Engine) hardPause(t *anacrolix.Torrent) {
	t.DisallowDataDownload()
	t.DisallowDataUpload()
	t.SetMaxEstablishedConns(0)
}

func (e *Engine) unpause(t *anacrolix.Torrent) {
	conns := e.cfg.MaxConnections
	if conns <= 0 {
		conns = 80
	}
	t.SetMaxEstablishedConns(conns)
	t.AllowDataUpload()
	t.AllowDataDownload()
	if t.Info() != nil {
		t.DownloadAll()
	}
}

// PauseItem stops all transfer for the torrent.
func (e *Engine) PauseItem(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.handles[id]
	if !ok {
		return errors.New(errors.KindConflict, "torrent not found: "+id)
	}
	e.paused[id] = true
	e.hardPause(t)
	return nil
}

// ResumeItem re-enables transfer.
func (e *Engine) ResumeItem(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.handles[id]
	if !ok {
		return errors.New(errors.KindConflict, "torrent not found: "+id)
	}
	delete(e.paused, id)
	delete(e.slotHeld, id)
	delete(e.seedDone, id)
	if !e.globalPaused {
		e.unpause(t)
	}
	return nil
}

// RemoveItem drops the torrent and its resume record, optionally deleting
// downloaded data.
func (e *Engine) RemoveItem(id string, deleteFiles bool) error {
	e.mu.Lock()
	t, ok := e.handles[id]
	if !ok {
		e.mu.Unlock()
		return errors.New(errors.KindConflict, "torrent not found: "+id)
	}
	item := e.items[id]
	delete(e.handles, id)
	delete(e.items, id)
	delete(e.paused, id)
	delete(e.slotHeld, id)
	delete(e.seedDone, id)
	metrics.QueueDepth.WithLabelValues("torrent").Set(float64(len(e.items)))
	e.mu.Unlock()

	t.Drop()
	removeResume(e.cfg.ResumeDir, id)

	if deleteFiles && item != nil && item.Name != "" {
		_ = os.RemoveAll(filepath.Join(e.cfg.DownloadDir, item.Name))
	}
	return nil
}

// PauseAll pauses every torrent.
func (e *Engine) PauseAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.globalPaused = true
	for _, t := range e.handles {
		e.hardPause(t)
	}
}

// ResumeAll resumes all torrents except individually paused ones.
func (e *Engine) ResumeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.globalPaused = false
	for id, t := range e.handles {
		if !e.paused[id] {
			e.unpause(t)
		}
	}
}

// SetSpeedLimit installs the session-global download cap in bytes/second.
// Zero or negative lifts it.
func (e *Engine) SetSpeedLimit(bps int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if bps <= 0 {
		e.speedLimit = 0
		e.limiter.SetLimit(rate.Inf)
		e.limiter.SetBurst(0)
		return
	}
	e.speedLimit = bps
	e.limiter.SetLimit(rate.Limit(bps))
	e.limiter.SetBurst(int(bps))
}

// GetSpeedLimit returns the current cap, zero when unlimited.
func (e *Engine) GetSpeedLimit() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speedLimit
}

// GetQueue returns a copy of every mirrored item.
func (e *Engine) GetQueue() []Item {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Item, 0, len(e.items))
	for _, item := range e.items {
		out = append(out, *item)
	}
	return out
}

// GetHistory returns the completion ledger, newest first.
func (e *Engine) GetHistory() []HistoryEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]HistoryEntry, len(e.history))
	copy(out, e.history)
	return out
}

// GetItem returns the mirror entry by info hash.
func (e *Engine) GetItem(id string) (Item, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if item, ok := e.items[id]; ok {
		return *item, true
	}
	return Item{}, false
}

// syncOnce refreshes every mirror item from its live handle and records first
// completions in history.
func (e *Engine) syncOnce(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(e.lastSync).Seconds()
	e.lastSync = now

	historyDirty := false
	for id, t := range e.handles {
		item := e.items[id]
		if item == nil {
			continue
		}

		if e.seedDone[id] {
			item.Status = StatusCompleted
			item.DownloadRate = 0
			item.UploadRate = 0
			item.ETASeconds = 0
			continue
		}

		infoReady := t.Info() != nil
		var length, completed int64
		if infoReady {
			length = t.Length()
			completed = t.BytesCompleted()
			if item.Name == "" {
				item.Name = t.Name()
			}
		}

		if elapsed > 0 && completed > item.Downloaded {
			item.DownloadRate = float64(completed-item.Downloaded) / elapsed
		} else {
			item.DownloadRate = 0
		}

		stats := t.Stats()
		uploaded := stats.BytesWrittenData.Int64()
		if elapsed > 0 && uploaded > item.Uploaded {
			item.UploadRate = float64(uploaded-item.Uploaded) / elapsed
		} else {
			item.UploadRate = 0
		}

		item.Size = length
		item.Downloaded = completed
		item.Uploaded = uploaded
		item.Seeds = stats.ConnectedSeeders
		item.Peers = len(t.PeerConns())
		if length > 0 {
			item.Progress = float64(completed) / float64(length)
		}
		if completed > 0 {
			item.Ratio = float64(uploaded) / float64(completed)
		}
		if remaining := length - completed; remaining > 0 && item.DownloadRate > 0 {
			item.ETASeconds = int64(float64(remaining) / item.DownloadRate)
		} else {
			item.ETASeconds = 0
		}
		if infoReady && item.ContentPath == "" {
			item.ContentPath = filepath.Join(item.SavePath, t.Name())
		}

		complete := infoReady && length > 0 && completed >= length
		item.Status = mapStatus(infoReady, e.paused[id] || e.slotHeld[id], e.globalPaused,
			complete, item.Progress, item.ErrorMessage)

		if (item.Status == StatusSeeding || item.Status == StatusCompleted) && item.CompletedAt == nil {
			ts := now.UTC()
			item.CompletedAt = &ts
			e.pushHistoryLocked(HistoryEntry{
				ID:          item.ID,
				InfoHash:    item.InfoHash,
				Name:        item.Name,
				Category:    item.Category,
				State:       item.Status,
				SavePath:    item.SavePath,
				ContentPath: item.ContentPath,
				Size:        length,
				CompletedAt: ts,
			})
			historyDirty = true
			e.log.InfoContext(ctx, "torrent completed", "info_hash", id, "name", item.Name)
		}
	}

	e.applyLimitsLocked(now)

	if historyDirty {
		e.saveStateLocked(ctx)
	}
}

// applyLimitsLocked stops torrents that hit their seed limits and enforces the
// active-slot caps. Zero or negative limits are unlimited. Callers hold e.mu.
func (e *Engine) applyLimitsLocked(now time.Time) {
	for id, item := range e.items {
		if e.seedDone[id] || item.Status != StatusSeeding {
			continue
		}
		if !seedLimitReached(item, e.cfg, now) {
			continue
		}
		e.seedDone[id] = true
		delete(e.slotHeld, id)
		item.Status = StatusCompleted
		item.DownloadRate = 0
		item.UploadRate = 0
		if t := e.handles[id]; t != nil {
			e.hardPause(t)
		}
		e.log.Info("seed limit reached, stopping torrent",
			"info_hash", id, "name", item.Name, "ratio", item.Ratio)
	}

	if e.globalPaused {
		return
	}

	// Oldest additions get slots first; errored, user-paused and finished
	// torrents do not compete for them.
	var candidates []*Item
	for id, item := range e.items {
		if e.paused[id] || e.seedDone[id] || item.Status == StatusError {
			continue
		}
		candidates = append(candidates, item)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].AddedAt.Equal(candidates[j].AddedAt) {
			return candidates[i].AddedAt.Before(candidates[j].AddedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	downloads, seeds, total := 0, 0, 0
	for _, item := range candidates {
		seeding := item.Progress >= 1.0 && item.Status != StatusMetadata
		allowed := true
		if seeding {
			seeds++
			if e.cfg.ActiveSeeds > 0 && seeds > e.cfg.ActiveSeeds {
				allowed = false
			}
		} else {
			downloads++
			if e.cfg.ActiveDownloads > 0 && downloads > e.cfg.ActiveDownloads {
				allowed = false
			}
		}
		if allowed && e.cfg.ActiveLimit > 0 && total >= e.cfg.ActiveLimit {
			allowed = false
		}
		if allowed {
			total++
		}

		t := e.handles[item.ID]
		switch {
		case !allowed && !e.slotHeld[item.ID]:
			e.slotHeld[item.ID] = true
			item.Status = StatusPaused
			if t != nil {
				e.hardPause(t)
			}
		case allowed && e.slotHeld[item.ID]:
			delete(e.slotHeld, item.ID)
			if t != nil {
				e.unpause(t)
			}
		}
	}
}

// seedLimitReached reports whether a seeding torrent crossed the configured
// ratio or seed-time limit. Zero limits never trigger.
func seedLimitReached(item *Item, cfg Config, now time.Time) bool {
	if cfg.SeedRatioLimit > 0 && item.Downloaded > 0 &&
		float64(item.Uploaded)/float64(item.Downloaded) >= cfg.SeedRatioLimit {
		return true
	}
	if cfg.SeedTimeLimit > 0 && item.CompletedAt != nil &&
		now.Sub(*item.CompletedAt) >= cfg.SeedTimeLimit {
		return true
	}
	return false
}

func (e *Engine) pushHistoryLocked(entry HistoryEntry) {
	e.history = append([]HistoryEntry{entry}, e.history...)
	if len(e.history) > historyLimit {
		e.history = e.history[:historyLimit]
	}
}

func (e *Engine) saveState(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saveStateLocked(ctx)
}

func (e *Engine) saveStateLocked(ctx context.Context) {
	if e.st == nil {
		return
	}
	state := persistedState{History: e.history}
	if err := e.st.Save(ctx, e.cfg.InstanceID, store.KindTorrentState, &state); err != nil {
		e.log.WarnContext(ctx, "failed to persist torrent state", "error", err)
	}
}

// persistResume writes the torrent's resume record.
func (e *Engine) persistResume(item *Item, mi *metainfo.MetaInfo) {
	rd := &resumeData{
		InfoHash:   item.InfoHash,
		Name:       item.Name,
		Category:   item.Category,
		SavePath:   item.SavePath,
		MagnetURL:  item.MagnetURL,
		Downloaded: item.Downloaded,
		AddedAt:    item.AddedAt.Unix(),
	}
	if mi != nil {
		rd.MetaInfo = encodeMetaInfo(mi)
	}

	e.mu.Lock()
	rd.Paused = e.paused[item.InfoHash]
	e.mu.Unlock()

	if err := writeResume(e.cfg.ResumeDir, rd); err != nil {
		e.log.Warn("failed to write resume data", "info_hash", item.InfoHash, "error", err)
	}
}

// flushResume writes a resume record for every live torrent.
func (e *Engine) flushResume() {
	e.mu.Lock()
	type pending struct {
		item   Item
		handle *anacrolix.Torrent
		paused bool
	}
	work := make([]pending, 0, len(e.items))
	for id, item := range e.items {
		work = append(work, pending{item: *item, handle: e.handles[id], paused: e.paused[id]})
	}
	e.mu.Unlock()

	for _, w := range work {
		rd := &resumeData{
			InfoHash:   w.item.InfoHash,
			Name:       w.item.Name,
			Category:   w.item.Category,
			SavePath:   w.item.SavePath,
			MagnetURL:  w.item.MagnetURL,
			Downloaded: w.item.Downloaded,
			AddedAt:    w.item.AddedAt.Unix(),
			Paused:     w.paused,
		}
		if w.handle != nil && w.handle.Info() != nil {
			mi := w.handle.Metainfo()
			rd.MetaInfo = encodeMetaInfo(&mi)
		}
		if err := writeResume(e.cfg.ResumeDir, rd); err != nil {
			e.log.Warn("failed to write resume data", "info_hash", w.item.InfoHash, "error", err)
		}
	}
}

func encodeMetaInfo(mi *metainfo.MetaInfo) []byte {
	var buf bytes.Buffer
	if err := mi.Write(&buf); err != nil {
		return nil
	}
	return buf.Bytes()
}

// EngineStatus is the aggregate snapshot served over IPC.
type EngineStatus struct {
	Paused        bool    `json:"paused"`
	Count         int     `json:"count"`
	DownloadRate  float64 `json:"download_rate"`
	UploadRate    float64 `json:"upload_rate"`
	SpeedLimitBps int64   `json:"speed_limit_bps"`
}

// GetStatus aggregates the mirror into a session snapshot.
func (e *Engine) GetStatus() EngineStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	status := EngineStatus{
		Paused:        e.globalPaused,
		Count:         len(e.items),
		SpeedLimitBps: e.speedLimit,
	}
	for _, item := range e.items {
		status.DownloadRate += item.DownloadRate
		status.UploadRate += item.UploadRate
	}
	return status
}

// FlushResume writes every torrent's resume record immediately.
func (e *Engine) FlushResume() {
	e.flushResume()
}

// SyncNow is the test hook for one synchronous mirror refresh.
func (e *Engine) SyncNow(ctx context.Context) {
	e.syncOnce(ctx)
}

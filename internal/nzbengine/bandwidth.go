package nzbengine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mediahunt/mediahunt/internal/store"
)

const (
	// hourlyBuckets keeps 30 days of per-hour samples.
	hourlyBuckets = 720
	// bandwidthFlushInterval gates how often the history document is
	// persisted.
	bandwidthFlushInterval = 60 * time.Second
)

// HourBucket is one (hour, bytes) sample. The key is the hour-aligned unix
// timestamp.
type HourBucket struct {
	HourTS int64 `json:"hour_ts"`
	Bytes  int64 `json:"bytes"`
}

// ServerBandwidth is the per-server ledger.
type ServerBandwidth struct {
	Total  int64        `json:"total"`
	Hourly []HourBucket `json:"hourly"`
}

// BandwidthStats aggregates a server's ledger over the standard windows.
type BandwidthStats struct {
	LastHour  int64 `json:"last_hour"`
	LastDay   int64 `json:"last_day"`
	LastMonth int64 `json:"last_month"`
	AllTime   int64 `json:"all_time"`
}

type bandwidthDoc struct {
	Servers map[string]*ServerBandwidth `json:"servers"`
}

// BandwidthTracker accumulates per-server hourly download volumes and
// persists them through the ConfigStore at most once per flush interval.
type BandwidthTracker struct {
	mu         sync.Mutex
	servers    map[string]*ServerBandwidth
	lastFlush  time.Time
	dirty      bool
	store      store.Store
	instanceID string
	log        *slog.Logger
	now        func() time.Time
}

// NewBandwidthTracker loads any persisted history and returns the tracker.
func NewBandwidthTracker(ctx context.Context, st store.Store, instanceID string) *BandwidthTracker {
	t := &BandwidthTracker{
		servers:    make(map[string]*ServerBandwidth),
		store:      st,
		instanceID: instanceID,
		log:        slog.Default().With("component", "bandwidth-tracker"),
		now:        time.Now,
	}

	if st != nil {
		var doc bandwidthDoc
		if found, err := st.Get(ctx, instanceID, store.KindBandwidth, &doc); err != nil {
			t.log.WarnContext(ctx, "failed to load bandwidth history", "error", err)
		} else if found && doc.Servers != nil {
			t.servers = doc.Servers
		}
	}

	return t
}

// Record adds n bytes to the server's current hour bucket, pruning buckets
// older than the ring and flushing when the interval allows.
func (t *BandwidthTracker) Record(ctx context.Context, server string, n int64) {
	if n <= 0 || server == "" {
		return
	}

	now := t.now()
	hour := now.UTC().Truncate(time.Hour).Unix()

	t.mu.Lock()
	sb := t.servers[server]
	if sb == nil {
		sb = &ServerBandwidth{}
		t.servers[server] = sb
	}
	sb.Total += n

	if last := len(sb.Hourly) - 1; last >= 0 && sb.Hourly[last].HourTS == hour {
		sb.Hourly[last].Bytes += n
	} else {
		sb.Hourly = append(sb.Hourly, HourBucket{HourTS: hour, Bytes: n})
	}
	if excess := len(sb.Hourly) - hourlyBuckets; excess > 0 {
		sb.Hourly = sb.Hourly[excess:]
	}
	t.dirty = true

	flush := t.store != nil && now.Sub(t.lastFlush) >= bandwidthFlushInterval
	if flush {
		t.lastFlush = now
		t.dirty = false
	}
	doc := t.snapshotLocked(flush)
	t.mu.Unlock()

	if flush {
		if err := t.store.Save(ctx, t.instanceID, store.KindBandwidth, doc); err != nil {
			t.log.WarnContext(ctx, "failed to flush bandwidth history", "error", err)
		}
	}
}

func (t *BandwidthTracker) snapshotLocked(want bool) *bandwidthDoc {
	if !want {
		return nil
	}
	doc := &bandwidthDoc{Servers: make(map[string]*ServerBandwidth, len(t.servers))}
	for name, sb := range t.servers {
		cp := &ServerBandwidth{Total: sb.Total, Hourly: make([]HourBucket, len(sb.Hourly))}
		copy(cp.Hourly, sb.Hourly)
		doc.Servers[name] = cp
	}
	return doc
}

// Flush persists the ledger unconditionally. Called on engine shutdown.
func (t *BandwidthTracker) Flush(ctx context.Context) {
	if t.store == nil {
		return
	}

	t.mu.Lock()
	t.lastFlush = t.now()
	t.dirty = false
	doc := t.snapshotLocked(true)
	t.mu.Unlock()

	if err := t.store.Save(ctx, t.instanceID, store.KindBandwidth, doc); err != nil {
		t.log.WarnContext(ctx, "failed to flush bandwidth history", "error", err)
	}
}

// Stats returns the server's cumulative bytes over the last hour, day,
// 30 days and all time.
func (t *BandwidthTracker) Stats(server string) BandwidthStats {
	now := t.now().UTC()
	hourCut := now.Add(-time.Hour).Truncate(time.Hour).Unix()
	dayCut := now.Add(-24 * time.Hour).Truncate(time.Hour).Unix()
	monthCut := now.Add(-30 * 24 * time.Hour).Truncate(time.Hour).Unix()

	t.mu.Lock()
	defer t.mu.Unlock()

	sb := t.servers[server]
	if sb == nil {
		return BandwidthStats{}
	}

	stats := BandwidthStats{AllTime: sb.Total}
	for _, bucket := range sb.Hourly {
		if bucket.HourTS >= monthCut {
			stats.LastMonth += bucket.Bytes
		}
		if bucket.HourTS >= dayCut {
			stats.LastDay += bucket.Bytes
		}
		if bucket.HourTS >= hourCut {
			stats.LastHour += bucket.Bytes
		}
	}
	return stats
}

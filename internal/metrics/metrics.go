// Package metrics exposes prometheus instrumentation for the acquisition
// engines. Collectors are registered on the default registry; the serve
// command exposes them on the debug listener.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PoolBytesDownloaded counts article body bytes per NNTP server pool.
	PoolBytesDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediahunt",
		Subsystem: "nntp",
		Name:      "pool_bytes_downloaded_total",
		Help:      "Decoded article body bytes downloaded per server pool.",
	}, []string{"pool"})

	// SegmentsFetched counts article retrieval outcomes.
	SegmentsFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediahunt",
		Subsystem: "nntp",
		Name:      "segments_fetched_total",
		Help:      "Article fetch attempts by outcome (ok, missing, error).",
	}, []string{"outcome"})

	// QueueDepth tracks items currently queued per engine.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mediahunt",
		Subsystem: "engine",
		Name:      "queue_depth",
		Help:      "Items currently in the download queue per engine.",
	}, []string{"engine"})

	// Grabs counts releases submitted to download clients.
	Grabs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediahunt",
		Subsystem: "orchestrator",
		Name:      "grabs_total",
		Help:      "Releases grabbed per download client type.",
	}, []string{"client"})

	// BlocklistAdds counts releases blocklisted after failed downloads.
	BlocklistAdds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mediahunt",
		Subsystem: "orchestrator",
		Name:      "blocklist_adds_total",
		Help:      "Releases added to the blocklist.",
	})

	// IndexerSearches counts Newznab searches by outcome.
	IndexerSearches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mediahunt",
		Subsystem: "indexer",
		Name:      "searches_total",
		Help:      "Newznab searches per indexer by outcome.",
	}, []string{"indexer", "outcome"})
)

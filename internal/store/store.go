// Package store provides the ConfigStore abstraction: typed get/save of
// per-instance JSON documents with atomic writes. Domain components hold
// deserialized snapshots and write through on mutation.
package store

import (
	"context"
)

// Document kinds persisted per instance.
const (
	KindCollection     = "collection"
	KindBlocklist      = "blocklist"
	KindRequestedQueue = "requested_queue"
	KindCustomFormats  = "custom_formats"
	KindProfiles       = "quality_profiles"
	KindIndexers       = "indexers"
	KindNZBState       = "nzb_state"
	KindTorrentState   = "torrent_state"
	KindBandwidth      = "bandwidth_history"
)

// Store persists one JSON document per (instance, kind) pair.
type Store interface {
	// Get decodes the document into v. The bool is false when no document
	// exists yet; v is left untouched in that case.
	Get(ctx context.Context, instanceID, kind string, v any) (bool, error)

	// Save atomically replaces the document with the encoding of v.
	Save(ctx context.Context, instanceID, kind string, v any) error

	// Delete removes the document. Deleting a missing document is not an
	// error.
	Delete(ctx context.Context, instanceID, kind string) error
}

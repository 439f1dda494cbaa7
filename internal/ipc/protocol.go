// Package ipc runs each acquisition engine in its own OS process and gives
// the parent a proxy with the engine's public surface. Commands travel as
// JSON lines over the child's stdin/stdout; reads come from an atomically
// renamed snapshot file so the parent never blocks on the child.
package ipc

import (
	"encoding/json"
	"time"
)

// Method names understood by the engine children.
const (
	MethodPing          = "ping"
	MethodStop          = "stop"
	MethodAddNZB        = "add_nzb"
	MethodAddTorrent    = "add_torrent"
	MethodPauseItem     = "pause_item"
	MethodResumeItem    = "resume_item"
	MethodRemoveItem    = "remove_item"
	MethodPauseAll      = "pause_all"
	MethodResumeAll     = "resume_all"
	MethodSetSpeedLimit = "set_speed_limit"
	MethodGetSpeedLimit = "get_speed_limit"
	MethodSetServers    = "set_servers"
	MethodTestServers   = "test_servers"
	MethodBandwidth     = "bandwidth_stats"
)

// Request is one parent-to-child command frame.
type Request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Response is one child-to-parent result frame. Exactly one of Result and
// Error is meaningful.
type Response struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Snapshot is the read-model document the child publishes.
type Snapshot struct {
	Status  json.RawMessage `json:"status"`
	Queue   json.RawMessage `json:"queue"`
	History json.RawMessage `json:"history"`
	TS      int64           `json:"ts"`
}

// ItemArgs addresses one queue item.
type ItemArgs struct {
	ID string `json:"id"`
}

// RemoveArgs addresses one item with the torrent-only delete flag.
type RemoveArgs struct {
	ID          string `json:"id"`
	DeleteFiles bool   `json:"delete_files,omitempty"`
}

// SpeedLimitArgs carries the bytes/second budget, zero meaning unlimited.
type SpeedLimitArgs struct {
	BPS int64 `json:"bps"`
}

// BandwidthArgs names the server whose ledger is requested.
type BandwidthArgs struct {
	Server string `json:"server"`
}

// Per-method reply budgets. add_nzb is generous because the child may be
// CPU-saturated assembling segments; test_servers dials real sockets.
const (
	defaultTimeout     = 15 * time.Second
	addTimeout         = 120 * time.Second
	testServersTimeout = 30 * time.Second
)

// methodTimeout returns the reply budget for a method.
func methodTimeout(method string) time.Duration {
	switch method {
	case MethodAddNZB, MethodAddTorrent:
		return addTimeout
	case MethodTestServers:
		return testServersTimeout
	default:
		return defaultTimeout
	}
}

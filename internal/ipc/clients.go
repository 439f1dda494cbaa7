package ipc

import (
	"context"

	"github.com/mediahunt/mediahunt/internal/nntp"
	"github.com/mediahunt/mediahunt/internal/nzbengine"
	"github.com/mediahunt/mediahunt/internal/torrent"
)

// NZBClient is the parent-side typed surface of the NZB engine child.
type NZBClient struct {
	proxy func() *Proxy
}

// NewNZBClient wraps a proxy source. Taking a getter instead of the proxy
// itself keeps the client valid across child respawns.
func NewNZBClient(proxy func() *Proxy) *NZBClient {
	return &NZBClient{proxy: proxy}
}

func (c *NZBClient) AddNZB(ctx context.Context, req nzbengine.AddRequest) (string, error) {
	var id string
	err := c.proxy().Call(ctx, MethodAddNZB, req, &id)
	return id, err
}

func (c *NZBClient) PauseItem(ctx context.Context, id string) error {
	return c.proxy().Call(ctx, MethodPauseItem, ItemArgs{ID: id}, nil)
}

func (c *NZBClient) ResumeItem(ctx context.Context, id string) error {
	return c.proxy().Call(ctx, MethodResumeItem, ItemArgs{ID: id}, nil)
}

func (c *NZBClient) RemoveItem(ctx context.Context, id string) error {
	return c.proxy().Call(ctx, MethodRemoveItem, RemoveArgs{ID: id}, nil)
}

func (c *NZBClient) PauseAll(ctx context.Context) error {
	return c.proxy().Call(ctx, MethodPauseAll, nil, nil)
}

func (c *NZBClient) ResumeAll(ctx context.Context) error {
	return c.proxy().Call(ctx, MethodResumeAll, nil, nil)
}

func (c *NZBClient) SetSpeedLimit(ctx context.Context, bps int64) error {
	return c.proxy().Call(ctx, MethodSetSpeedLimit, SpeedLimitArgs{BPS: bps}, nil)
}

func (c *NZBClient) GetSpeedLimit(ctx context.Context) (int64, error) {
	var bps int64
	err := c.proxy().Call(ctx, MethodGetSpeedLimit, nil, &bps)
	return bps, err
}

func (c *NZBClient) SetServers(ctx context.Context, servers []nntp.ServerConfig) error {
	return c.proxy().Call(ctx, MethodSetServers, servers, nil)
}

func (c *NZBClient) TestServers(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := c.proxy().Call(ctx, MethodTestServers, nil, &out)
	return out, err
}

func (c *NZBClient) BandwidthStats(ctx context.Context, server string) (nzbengine.BandwidthStats, error) {
	var stats nzbengine.BandwidthStats
	err := c.proxy().Call(ctx, MethodBandwidth, BandwidthArgs{Server: server}, &stats)
	return stats, err
}

// GetStatus reads the engine status from the snapshot file.
func (c *NZBClient) GetStatus() (nzbengine.Status, error) {
	var status nzbengine.Status
	err := c.proxy().Status(&status)
	return status, err
}

// GetQueue reads the queue from the snapshot file.
func (c *NZBClient) GetQueue() ([]nzbengine.Item, error) {
	var queue []nzbengine.Item
	err := c.proxy().Queue(&queue)
	return queue, err
}

// GetHistory reads the history ring from the snapshot file.
func (c *NZBClient) GetHistory() ([]nzbengine.HistoryEntry, error) {
	var history []nzbengine.HistoryEntry
	err := c.proxy().History(&history)
	return history, err
}

// TorrentClient is the parent-side typed surface of the torrent engine child.
type TorrentClient struct {
	proxy func() *Proxy
}

func NewTorrentClient(proxy func() *Proxy) *TorrentClient {
	return &TorrentClient{proxy: proxy}
}

func (c *TorrentClient) AddTorrent(ctx context.Context, req torrent.AddTorrentRequest) (string, error) {
	var id string
	err := c.proxy().Call(ctx, MethodAddTorrent, req, &id)
	return id, err
}

func (c *TorrentClient) PauseItem(ctx context.Context, id string) error {
	return c.proxy().Call(ctx, MethodPauseItem, ItemArgs{ID: id}, nil)
}

func (c *TorrentClient) ResumeItem(ctx context.Context, id string) error {
	return c.proxy().Call(ctx, MethodResumeItem, ItemArgs{ID: id}, nil)
}

func (c *TorrentClient) RemoveItem(ctx context.Context, id string, deleteFiles bool) error {
	return c.proxy().Call(ctx, MethodRemoveItem, RemoveArgs{ID: id, DeleteFiles: deleteFiles}, nil)
}

func (c *TorrentClient) PauseAll(ctx context.Context) error {
	return c.proxy().Call(ctx, MethodPauseAll, nil, nil)
}

func (c *TorrentClient) ResumeAll(ctx context.Context) error {
	return c.proxy().Call(ctx, MethodResumeAll, nil, nil)
}

func (c *TorrentClient) SetSpeedLimit(ctx context.Context, bps int64) error {
	return c.proxy().Call(ctx, MethodSetSpeedLimit, SpeedLimitArgs{BPS: bps}, nil)
}

func (c *TorrentClient) GetSpeedLimit(ctx context.Context) (int64, error) {
	var bps int64
	err := c.proxy().Call(ctx, MethodGetSpeedLimit, nil, &bps)
	return bps, err
}

// GetQueue reads the torrent mirror from the snapshot file.
func (c *TorrentClient) GetQueue() ([]torrent.Item, error) {
	var queue []torrent.Item
	err := c.proxy().Queue(&queue)
	return queue, err
}

// GetHistory reads the completion ledger from the snapshot file.
func (c *TorrentClient) GetHistory() ([]torrent.HistoryEntry, error) {
	var history []torrent.HistoryEntry
	err := c.proxy().History(&history)
	return history, err
}

package ipc

import (
	"context"
	"encoding/json"

	"github.com/mediahunt/mediahunt/internal/errors"
	"github.com/mediahunt/mediahunt/internal/nntp"
	"github.com/mediahunt/mediahunt/internal/nzbengine"
	"github.com/mediahunt/mediahunt/internal/torrent"
)

// NZBHandler adapts the NZB engine to the child loop.
type NZBHandler struct {
	Engine *nzbengine.Engine
}

func (h *NZBHandler) Handle(ctx context.Context, method string, args json.RawMessage) (any, error) {
	switch method {
	case MethodAddNZB:
		var req nzbengine.AddRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errors.Wrap(errors.KindIPC, "decode add_nzb args", err)
		}
		return h.Engine.AddNZB(ctx, req)

	case MethodPauseItem:
		var a ItemArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, errors.Wrap(errors.KindIPC, "decode pause args", err)
		}
		return true, h.Engine.PauseItem(ctx, a.ID)

	case MethodResumeItem:
		var a ItemArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, errors.Wrap(errors.KindIPC, "decode resume args", err)
		}
		return true, h.Engine.ResumeItem(ctx, a.ID)

	case MethodRemoveItem:
		var a RemoveArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, errors.Wrap(errors.KindIPC, "decode remove args", err)
		}
		return true, h.Engine.RemoveItem(ctx, a.ID)

	case MethodPauseAll:
		h.Engine.PauseAll(ctx)
		return true, nil

	case MethodResumeAll:
		h.Engine.ResumeAll(ctx)
		return true, nil

	case MethodSetSpeedLimit:
		var a SpeedLimitArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, errors.Wrap(errors.KindIPC, "decode speed limit args", err)
		}
		h.Engine.SetSpeedLimit(a.BPS)
		return true, nil

	case MethodGetSpeedLimit:
		return h.Engine.GetSpeedLimit(), nil

	case MethodSetServers:
		var servers []nntp.ServerConfig
		if err := json.Unmarshal(args, &servers); err != nil {
			return nil, errors.Wrap(errors.KindIPC, "decode servers", err)
		}
		return true, h.Engine.SetServers(ctx, servers)

	case MethodTestServers:
		return h.Engine.TestServers(ctx), nil

	case MethodBandwidth:
		var a BandwidthArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, errors.Wrap(errors.KindIPC, "decode bandwidth args", err)
		}
		return h.Engine.BandwidthStats(a.Server), nil

	default:
		return nil, errors.New(errors.KindIPC, "unknown method: "+method)
	}
}

func (h *NZBHandler) Snapshot(_ context.Context) (any, any, any) {
	return h.Engine.GetStatus(), h.Engine.GetQueue(), h.Engine.GetHistory()
}

func (h *NZBHandler) FlushResume(ctx context.Context) {
	h.Engine.FlushState(ctx)
}

func (h *NZBHandler) Shutdown(ctx context.Context) {
	h.Engine.Stop(ctx)
}

// TorrentHandler adapts the torrent engine to the child loop.
type TorrentHandler struct {
	Engine *torrent.Engine
}

func (h *TorrentHandler) Handle(ctx context.Context, method string, args json.RawMessage) (any, error) {
	switch method {
	case MethodAddTorrent:
		var req torrent.AddTorrentRequest
		if err := json.Unmarshal(args, &req); err != nil {
			return nil, errors.Wrap(errors.KindIPC, "decode add_torrent args", err)
		}
		return h.Engine.AddTorrent(ctx, req)

	case MethodPauseItem:
		var a ItemArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, errors.Wrap(errors.KindIPC, "decode pause args", err)
		}
		return true, h.Engine.PauseItem(a.ID)

	case MethodResumeItem:
		var a ItemArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, errors.Wrap(errors.KindIPC, "decode resume args", err)
		}
		return true, h.Engine.ResumeItem(a.ID)

	case MethodRemoveItem:
		var a RemoveArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, errors.Wrap(errors.KindIPC, "decode remove args", err)
		}
		return true, h.Engine.RemoveItem(a.ID, a.DeleteFiles)

	case MethodPauseAll:
		h.Engine.PauseAll()
		return true, nil

	case MethodResumeAll:
		h.Engine.ResumeAll()
		return true, nil

	case MethodSetSpeedLimit:
		var a SpeedLimitArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, errors.Wrap(errors.KindIPC, "decode speed limit args", err)
		}
		h.Engine.SetSpeedLimit(a.BPS)
		return true, nil

	case MethodGetSpeedLimit:
		return h.Engine.GetSpeedLimit(), nil

	default:
		return nil, errors.New(errors.KindIPC, "unknown method: "+method)
	}
}

func (h *TorrentHandler) Snapshot(_ context.Context) (any, any, any) {
	return h.Engine.GetStatus(), h.Engine.GetQueue(), h.Engine.GetHistory()
}

func (h *TorrentHandler) FlushResume(_ context.Context) {
	h.Engine.FlushResume()
}

func (h *TorrentHandler) Shutdown(ctx context.Context) {
	h.Engine.Stop(ctx)
}

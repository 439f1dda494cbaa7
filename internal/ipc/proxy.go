package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mediahunt/mediahunt/internal/errors"
)

const (
	// snapshotCacheTTL bounds how stale a cached snapshot read may be.
	snapshotCacheTTL = time.Second
	// submitQueueSize bounds commands waiting for the child's stdin. A
	// stalled child fills the queue instead of wedging callers.
	submitQueueSize = 500
	// submitTimeout is how long a submitter waits for a queue slot before
	// failing.
	submitTimeout = 5 * time.Second
)

// Proxy is the parent-side handle to one engine child. Mutations are sent
// over the command stream; reads come from the snapshot file and never block
// on the child.
type Proxy struct {
	name         string
	snapshotPath string
	log          *slog.Logger

	writeCh     chan Request
	submitGrace time.Duration

	nextID  atomic.Uint64
	pending sync.Map // id -> chan Response

	cacheMu  sync.Mutex
	cached   *Snapshot
	cachedAt time.Time
	lastGood *Snapshot
}

// NewProxy builds a proxy over the child's stdin writer and stdout reader.
// It spawns the reply reader and the single stdin writer immediately.
func NewProxy(name, snapshotPath string, childStdin io.Writer, childStdout io.Reader) *Proxy {
	p := &Proxy{
		name:         name,
		snapshotPath: snapshotPath,
		writeCh:      make(chan Request, submitQueueSize),
		submitGrace:  submitTimeout,
		log:          slog.Default().With("component", "ipc-proxy", "engine", name),
	}
	go p.writeCommands(childStdin, p.writeCh)
	go p.readReplies(childStdout)
	return p
}

// writeCommands is the only goroutine touching the child's stdin. A write
// blocked on a stalled pipe backs traffic up into the bounded queue, where
// Send can time out; it never wedges callers on a mutex.
func (p *Proxy) writeCommands(w io.Writer, ch <-chan Request) {
	enc := json.NewEncoder(w)
	for req := range ch {
		if err := enc.Encode(req); err != nil {
			p.log.Warn("command write failed",
				"method", req.Method, "id", req.ID, "error", err)
		}
	}
}

// readReplies delivers each child reply to its registered waiter. A reply
// whose waiter already timed out is dropped.
func (p *Proxy) readReplies(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			p.log.Warn("discarding malformed reply frame", "error", err)
			continue
		}

		if ch, ok := p.pending.LoadAndDelete(resp.ID); ok {
			ch.(chan Response) <- resp
		} else {
			p.log.Debug("reply for abandoned command", "id", resp.ID)
		}
	}
}

// Send submits a command and waits for its reply within the method's budget.
// A timed-out command may still execute on the child; callers must be
// idempotent.
func (p *Proxy) Send(ctx context.Context, method string, args any) (json.RawMessage, error) {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, errors.Wrap(errors.KindIPC, "encode args", err)
		}
		raw = data
	}

	id := p.nextID.Add(1)
	ch := make(chan Response, 1)
	p.pending.Store(id, ch)

	select {
	case p.writeCh <- Request{ID: id, Method: method, Args: raw}:
	case <-time.After(p.submitGrace):
		p.pending.Delete(id)
		return nil, errors.New(errors.KindIPC, "submit "+method+": command queue full")
	case <-ctx.Done():
		p.pending.Delete(id)
		return nil, errors.Wrap(errors.KindIPC, "submit "+method+" cancelled", ctx.Err())
	}

	timeout := methodTimeout(method)
	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, errors.New(errors.KindIPC, resp.Error)
		}
		return resp.Result, nil
	case <-time.After(timeout):
		p.pending.Delete(id)
		return nil, errors.New(errors.KindIPC, method+" timed out after "+timeout.String())
	case <-ctx.Done():
		p.pending.Delete(id)
		return nil, errors.Wrap(errors.KindIPC, method+" cancelled", ctx.Err())
	}
}

// Call sends the command and decodes the reply into out when non-nil.
func (p *Proxy) Call(ctx context.Context, method string, args, out any) error {
	result, err := p.Send(ctx, method, args)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return errors.Wrap(errors.KindIPC, "decode "+method+" result", err)
	}
	return nil
}

// GetSnapshot returns the freshest available snapshot: the in-parent cache
// within its TTL, then the snapshot file, then the last good value, then an
// empty sentinel.
func (p *Proxy) GetSnapshot() *Snapshot {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()

	if p.cached != nil && time.Since(p.cachedAt) < snapshotCacheTTL {
		return p.cached
	}

	snap, err := ReadSnapshot(p.snapshotPath)
	if err != nil {
		if p.lastGood != nil {
			return p.lastGood
		}
		return &Snapshot{
			Status:  json.RawMessage("{}"),
			Queue:   json.RawMessage("[]"),
			History: json.RawMessage("[]"),
		}
	}

	p.cached = snap
	p.cachedAt = time.Now()
	p.lastGood = snap
	return snap
}

// Status decodes the snapshot's status document into out.
func (p *Proxy) Status(out any) error {
	return json.Unmarshal(p.GetSnapshot().Status, out)
}

// Queue decodes the snapshot's queue document into out.
func (p *Proxy) Queue(out any) error {
	return json.Unmarshal(p.GetSnapshot().Queue, out)
}

// History decodes the snapshot's history document into out.
func (p *Proxy) History(out any) error {
	return json.Unmarshal(p.GetSnapshot().History, out)
}

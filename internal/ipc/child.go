package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"
)

// Handler is the engine surface a child loop drives. Implementations adapt
// the NZB and torrent engines.
type Handler interface {
	// Handle executes one command synchronously and returns its result.
	Handle(ctx context.Context, method string, args json.RawMessage) (any, error)
	// Snapshot returns the documents published to the snapshot file.
	Snapshot(ctx context.Context) (status, queue, history any)
	// FlushResume persists recovery data. Called every 30 s and on stop.
	FlushResume(ctx context.Context)
	// Shutdown stops the engine. Called once, after the stop reply is sent.
	Shutdown(ctx context.Context)
}

const (
	childTickInterval   = 100 * time.Millisecond
	snapshotInterval    = 1500 * time.Millisecond
	childResumeInterval = 30 * time.Second
	commandsPerTick     = 50
	commandBacklog      = 500
)

// Child runs an engine inside a supervised process: it drains commands from
// in, writes results to out and periodically publishes the snapshot file.
type Child struct {
	handler      Handler
	snapshotPath string
	in           io.Reader
	out          io.Writer
	log          *slog.Logger
}

// NewChild wires a child loop over the given streams, normally the process's
// stdin and stdout.
func NewChild(handler Handler, snapshotPath string, in io.Reader, out io.Writer) *Child {
	return &Child{
		handler:      handler,
		snapshotPath: snapshotPath,
		in:           in,
		out:          out,
		log:          slog.Default().With("component", "ipc-child"),
	}
}

// Run services the command stream until stop is received, the input closes
// or the context is cancelled.
func (c *Child) Run(ctx context.Context) error {
	commands := make(chan Request, commandBacklog)
	readErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(c.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				c.log.Warn("discarding malformed command frame", "error", err)
				continue
			}
			select {
			case commands <- req:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	enc := json.NewEncoder(c.out)

	tick := time.NewTicker(childTickInterval)
	snapTick := time.NewTicker(snapshotInterval)
	resumeTick := time.NewTicker(childResumeInterval)
	defer tick.Stop()
	defer snapTick.Stop()
	defer resumeTick.Stop()

	c.writeSnapshot(ctx)

	for {
		select {
		case <-ctx.Done():
			c.shutdown(ctx)
			return ctx.Err()

		case err := <-readErr:
			// Parent went away; treat like stop.
			c.shutdown(ctx)
			return err

		case <-snapTick.C:
			c.writeSnapshot(ctx)

		case <-resumeTick.C:
			c.handler.FlushResume(ctx)

		case <-tick.C:
			for i := 0; i < commandsPerTick; i++ {
				var req Request
				select {
				case req = <-commands:
				default:
					i = commandsPerTick
					continue
				}

				if req.Method == MethodStop {
					_ = enc.Encode(Response{ID: req.ID, Result: json.RawMessage("true")})
					c.shutdown(ctx)
					return nil
				}
				_ = enc.Encode(c.execute(ctx, req))
			}
		}
	}
}

func (c *Child) execute(ctx context.Context, req Request) Response {
	if req.Method == MethodPing {
		return Response{ID: req.ID, Result: json.RawMessage("true")}
	}

	result, err := c.handler.Handle(ctx, req.Method, req.Args)
	if err != nil {
		return Response{ID: req.ID, Error: err.Error()}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return Response{ID: req.ID, Error: "encode result: " + err.Error()}
	}
	return Response{ID: req.ID, Result: data}
}

func (c *Child) writeSnapshot(ctx context.Context) {
	if c.snapshotPath == "" {
		return
	}

	status, queue, history := c.handler.Snapshot(ctx)
	snap := &Snapshot{TS: time.Now().Unix()}

	var err error
	if snap.Status, err = json.Marshal(status); err != nil {
		c.log.Warn("snapshot status encode failed", "error", err)
		return
	}
	if snap.Queue, err = json.Marshal(queue); err != nil {
		c.log.Warn("snapshot queue encode failed", "error", err)
		return
	}
	if snap.History, err = json.Marshal(history); err != nil {
		c.log.Warn("snapshot history encode failed", "error", err)
		return
	}

	if err := WriteSnapshot(c.snapshotPath, snap); err != nil {
		c.log.Warn("snapshot write failed", "path", c.snapshotPath, "error", err)
	}
}

func (c *Child) shutdown(ctx context.Context) {
	c.handler.FlushResume(ctx)
	c.writeSnapshot(ctx)
	c.handler.Shutdown(ctx)
}

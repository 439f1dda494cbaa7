package ipc

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/mediahunt/mediahunt/internal/errors"
)

const (
	readyTimeout    = 30 * time.Second
	respawnDelay    = 2 * time.Second
	stopGracePeriod = 10 * time.Second
)

// Supervisor spawns one engine child process, hands out its proxy and
// respawns it when it dies. The child re-reads persisted state on start, so
// a restart loses at most the in-flight item's progress.
type Supervisor struct {
	name         string
	binary       string
	args         []string
	snapshotPath string
	log          *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	proxy    *Proxy
	exited   chan struct{}
	stopping bool
}

// NewSupervisor configures a supervisor for one engine. binary and args name
// the child command, normally this same executable with a hidden subcommand.
func NewSupervisor(name, binary string, args []string, snapshotPath string) *Supervisor {
	return &Supervisor{
		name:         name,
		binary:       binary,
		args:         args,
		snapshotPath: snapshotPath,
		log:          slog.Default().With("component", "engine-supervisor", "engine", name),
	}
}

// Start spawns the child and blocks until it answers a ping or the ready
// timeout expires.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.spawn(); err != nil {
		return err
	}
	return s.waitReady(ctx)
}

func (s *Supervisor) spawn() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := exec.Command(s.binary, s.args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(errors.KindIPC, "child stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(errors.KindIPC, "child stdout", err)
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(errors.KindIPC, "spawn engine child", err)
	}

	s.cmd = cmd
	s.proxy = NewProxy(s.name, s.snapshotPath, stdin, stdout)
	s.exited = make(chan struct{})
	s.log.Info("engine child spawned", "pid", cmd.Process.Pid)

	go s.monitor(cmd, stdin, s.exited)
	return nil
}

// monitor respawns the child when it exits outside of an orderly stop.
func (s *Supervisor) monitor(cmd *exec.Cmd, stdin io.Closer, exited chan struct{}) {
	err := cmd.Wait()
	_ = stdin.Close()
	close(exited)

	s.mu.Lock()
	stopping := s.stopping
	current := s.cmd == cmd
	s.mu.Unlock()

	if stopping || !current {
		return
	}

	s.log.Warn("engine child exited unexpectedly, respawning", "error", err)
	time.Sleep(respawnDelay)

	if err := s.spawn(); err != nil {
		s.log.Error("engine child respawn failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), readyTimeout)
	defer cancel()
	if err := s.waitReady(ctx); err != nil {
		s.log.Error("respawned engine child never became ready", "error", err)
	}
}

// waitReady pings the child until it answers or the ready window closes.
func (s *Supervisor) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(readyTimeout)

	for time.Now().Before(deadline) {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := s.Proxy().Send(pingCtx, MethodPing, nil)
		cancel()
		if err == nil {
			s.log.Info("engine child ready")
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(errors.KindIPC, "ready wait cancelled", ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
	return errors.New(errors.KindIPC, "engine child not ready within "+readyTimeout.String())
}

// Proxy returns the live proxy. The pointer changes across respawns; callers
// should re-fetch rather than hold it.
func (s *Supervisor) Proxy() *Proxy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxy
}

// Stop asks the child to exit and kills it after the grace period.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	s.stopping = true
	cmd := s.cmd
	proxy := s.proxy
	exited := s.exited
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	stopCtx, cancel := context.WithTimeout(ctx, stopGracePeriod)
	defer cancel()
	if _, err := proxy.Send(stopCtx, MethodStop, nil); err != nil {
		s.log.Warn("stop command failed, killing child", "error", err)
		_ = cmd.Process.Kill()
		return
	}

	select {
	case <-exited:
	case <-time.After(stopGracePeriod):
		s.log.Warn("engine child ignored stop, killing")
		_ = cmd.Process.Kill()
	}
}

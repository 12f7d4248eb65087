package actor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gridpulse/gridpulse/internal/config"
)

// Actor is one independently scheduled pipeline stage. Run must return nil
// on cooperative shutdown (ctx cancelled) and an error on failure; the
// supervisor treats a panic inside Run as a failure too. On restart, Run is
// called again on the same value, so an actor's fields survive a crash.
type Actor interface {
	Name() string
	Run(ctx context.Context) error
}

// Status is the supervisor's view of one actor's lifecycle.
type Status int

// Actor lifecycle states.
const (
	StatusRunning Status = iota
	StatusRestarting
	StatusStopped // terminated cooperatively
	StatusFailed  // restart attempts exhausted; terminal
)

// String renders the status for logs.
func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusRestarting:
		return "restarting"
	case StatusStopped:
		return "stopped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Supervisor hosts actors, isolates their failures and restarts them with
// bounded exponential backoff. After MaxAttempts restarts an actor is marked
// permanently failed and never retried; its dependents keep evaluating with
// absent inputs.
type Supervisor struct {
	cfg    config.RestartConfig
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	status map[string]Status

	// OnPermanentFailure, when set, is called once per actor that exhausts
	// its restart budget. Set before the first Spawn.
	OnPermanentFailure func(name string)
}

// NewSupervisor creates a Supervisor whose actors run until Shutdown.
func NewSupervisor(cfg config.RestartConfig) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		status: make(map[string]Status),
	}
}

// Spawn starts a in its own goroutine under supervision. Spawning after
// Shutdown is a no-op.
func (s *Supervisor) Spawn(a Actor) {
	if s.ctx.Err() != nil {
		slog.Warn("supervisor: spawn after shutdown ignored", "actor", a.Name())
		return
	}

	s.setStatus(a.Name(), StatusRunning)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.supervise(a)
	}()
}

// Status returns the current lifecycle state of the named actor.
func (s *Supervisor) Status(name string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[name]
	return st, ok
}

// Shutdown broadcasts cancellation to every actor and waits for all of them
// to terminate, or for ctx to expire, whichever comes first.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("supervisor: all actors terminated")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: shutdown timed out: %w", ctx.Err())
	}
}

// supervise runs a's restart loop until cooperative termination, permanent
// failure, or supervisor shutdown.
func (s *Supervisor) supervise(a Actor) {
	backoff := s.cfg.BackoffInitial
	attempts := 0

	for {
		err := s.runOnce(a)
		if s.ctx.Err() != nil {
			// Shutdown in progress; the actor's exit (clean or not) is final.
			s.setStatus(a.Name(), StatusStopped)
			return
		}
		if err == nil {
			slog.Info("supervisor: actor finished", "actor", a.Name())
			s.setStatus(a.Name(), StatusStopped)
			return
		}

		attempts++
		if attempts > s.cfg.MaxAttempts {
			slog.Error("supervisor: restart attempts exhausted — actor permanently failed",
				"actor", a.Name(), "attempts", attempts-1, "err", err)
			s.setStatus(a.Name(), StatusFailed)
			if s.OnPermanentFailure != nil {
				s.OnPermanentFailure(a.Name())
			}
			return
		}

		slog.Warn("supervisor: actor crashed — restarting",
			"actor", a.Name(), "attempt", attempts, "backoff", backoff, "err", err)
		s.setStatus(a.Name(), StatusRestarting)

		select {
		case <-s.ctx.Done():
			s.setStatus(a.Name(), StatusStopped)
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > s.cfg.BackoffMax {
			backoff = s.cfg.BackoffMax
		}
		s.setStatus(a.Name(), StatusRunning)
	}
}

// runOnce executes one Run attempt, converting a panic into an error so a
// crashing actor never takes down its siblings.
func (s *Supervisor) runOnce(a Actor) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v\n%s", a.Name(), r, debug.Stack())
		}
	}()
	return a.Run(s.ctx)
}

func (s *Supervisor) setStatus(name string, st Status) {
	s.mu.Lock()
	s.status[name] = st
	s.mu.Unlock()
}

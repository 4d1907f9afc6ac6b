// Package scheduler polls the store for pending panics and feeds them to a
// bounded pool of workers. A worker owns its panic from the atomic claim
// until the status is terminal, then tears the sandbox session down and
// frees its slot. Shutdown is cooperative: no new claims, in-flight
// workers finish their current phase, then the pool drains.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/zjrosen/mend/internal/config"
	"github.com/zjrosen/mend/internal/log"
	"github.com/zjrosen/mend/internal/pubsub"
	"github.com/zjrosen/mend/internal/sandbox"
	"github.com/zjrosen/mend/internal/slug"
	"github.com/zjrosen/mend/internal/store"
)

// Runner drives one claimed panic to a terminal status. The workflow
// engine satisfies this.
type Runner interface {
	Run(ctx context.Context, location string) error
}

// EventType classifies scheduler events.
type EventType string

const (
	// EventClaimed fires when a worker wins a pending panic.
	EventClaimed EventType = "claimed"
	// EventReleased fires when a worker finishes and frees its slot.
	EventReleased EventType = "released"
	// EventFailed fires when a worker abandons its panic on a store
	// failure.
	EventFailed EventType = "failed"
)

// Event describes one worker lifecycle step.
type Event struct {
	Type     EventType
	Location string
}

// Scheduler owns the poll loop and the worker pool.
type Scheduler struct {
	store   *store.Store
	runner  Runner
	sandbox sandbox.Adapter
	cfg     config.Config
	broker  *pubsub.Broker[Event]

	slots chan struct{}
	wg    sync.WaitGroup
}

// New creates a scheduler. The pool size and poll interval come from cfg.
func New(st *store.Store, runner Runner, sb sandbox.Adapter, cfg config.Config) *Scheduler {
	return &Scheduler{
		store:   st,
		runner:  runner,
		sandbox: sb,
		cfg:     cfg,
		broker:  pubsub.NewBroker[Event](),
		slots:   make(chan struct{}, cfg.WorkerPoolSize),
	}
}

// Events returns the broker scheduler events are published on.
func (s *Scheduler) Events() *pubsub.Broker[Event] {
	return s.broker
}

// initialStatus is where a freshly claimed panic enters the machine.
func (s *Scheduler) initialStatus() store.Status {
	if s.cfg.SkipPreflight {
		return store.StatusRepoSetup
	}
	return store.StatusPreflight
}

// Run polls until ctx is cancelled, then drains the pool. It returns nil
// on a clean drain.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info(log.CatSched, "Scheduler started",
		"poolSize", s.cfg.WorkerPoolSize, "pollInterval", s.cfg.PollInterval)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	// One eager poll so a freshly started orchestrator doesn't idle a
	// full interval.
	s.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info(log.CatSched, "Shutdown signalled; draining workers")
			s.wg.Wait()
			s.broker.Close()
			log.Info(log.CatSched, "Scheduler drained")
			return nil
		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

// poll claims as many pending panics as there are free workers.
func (s *Scheduler) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	pending, err := s.store.GetPendingPanics(s.cfg.WorkerPoolSize)
	if err != nil {
		log.ErrorErr(log.CatSched, "Polling pending panics failed", err)
		return
	}

	for _, p := range pending {
		select {
		case s.slots <- struct{}{}:
		default:
			// Pool exhausted; the rest wait for the next poll.
			return
		}

		location := p.PanicLocation
		if err := s.store.ClaimPanic(location, s.initialStatus()); err != nil {
			<-s.slots
			if errors.Is(err, store.ErrConflict) {
				log.Debug(log.CatSched, "Lost claim race", "location", location)
				continue
			}
			log.ErrorErr(log.CatSched, "Claiming panic failed", err, "location", location)
			continue
		}

		s.broker.Publish(Event{Type: EventClaimed, Location: location})
		s.wg.Add(1)
		go s.work(ctx, location)
	}
}

// work drives one panic to a terminal status, then releases the session
// and the worker slot.
func (s *Scheduler) work(ctx context.Context, location string) {
	defer s.wg.Done()
	defer func() { <-s.slots }()
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatSched, "Worker panic recovered",
				"location", location, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	log.Info(log.CatSched, "Worker assigned", "location", location)

	if err := s.runner.Run(ctx, location); err != nil {
		// Store failures abandon the panic at its last persisted
		// status; it is picked up again only by operator action.
		log.ErrorErr(log.CatSched, "Worker abandoned panic", err, "location", location)
		s.broker.Publish(Event{Type: EventFailed, Location: location})
	}

	s.teardown(location)
	s.broker.Publish(Event{Type: EventReleased, Location: location})
	log.Info(log.CatSched, "Worker released", "location", location)
}

// teardown deletes the panic's sandbox session. Failure is logged, not
// fatal: a leaked session is an operator chore, not a workflow error.
func (s *Scheduler) teardown(location string) {
	session := slug.SessionName(location)
	teardownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.sandbox.DeleteSession(teardownCtx, session); err != nil {
		log.ErrorErr(log.CatSched, "Session teardown failed", err, "session", session)
		_ = s.store.InsertLog(store.LogEvent{
			PanicLocation: location,
			Level:         store.LevelWarn,
			Message:       fmt.Sprintf("session teardown failed: %v", err),
		})
	}
}

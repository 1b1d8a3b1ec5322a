package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"examwatch/internal/config"
	"examwatch/internal/ingest"
	"examwatch/pkg/interfaces"
	"examwatch/pkg/types"
)

// Engine drives the server-side exam clock. A single ticker goroutine
// decrements every active attempt, auto-submits attempts that reach
// zero, synthesizes disconnect violations for attempts whose heartbeats
// went silent, and expires stale classifier dedup windows. Clients never
// report elapsed time; this loop is the only source of countdown truth.
type Engine struct {
	store      interfaces.SessionStore
	classifier interfaces.AlertClassifier
	gateway    *ingest.Gateway
	cfg        *config.ProctoringConfig

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewEngine creates the timer and enforcement engine.
func NewEngine(store interfaces.SessionStore, classifier interfaces.AlertClassifier, gateway *ingest.Gateway, cfg *config.ProctoringConfig) *Engine {
	return &Engine{
		store:      store,
		classifier: classifier,
		gateway:    gateway,
		cfg:        cfg,
	}
}

// Start launches the tick loop. Calling Start on a running engine is a
// no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	go e.run(ctx)
	log.Printf("Enforcement engine started (tick interval %s)", e.cfg.TickInterval)
}

// Stop halts the tick loop and waits for the in-flight tick to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	cancel()
	<-done
	log.Printf("Enforcement engine stopped")
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(30 * time.Second)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		case <-cleanup.C:
			e.classifier.Cleanup()
		}
	}
}

// tick advances every active countdown by one interval and enforces the
// liveness policy. Exported behavior is tested through this method
// directly so tests do not depend on wall-clock ticker timing.
func (e *Engine) tick(ctx context.Context) {
	seconds := int(e.cfg.TickInterval / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	for _, attemptID := range e.store.ActiveAttemptIDs() {
		remaining, err := e.store.Tick(ctx, attemptID, seconds)
		if err != nil {
			// The attempt may have completed between listing and ticking.
			if !errors.Is(err, interfaces.ErrUnknownAttempt) {
				log.Printf("Tick failed for attempt %s: %v", attemptID, err)
			}
			continue
		}
		if remaining > 0 {
			continue
		}

		// Time expired: auto-submit with whatever progress exists.
		if err := e.store.Transition(ctx, attemptID, types.StatusCompleted); err != nil {
			if !errors.Is(err, interfaces.ErrInvalidTransition) {
				log.Printf("Auto-submit failed for attempt %s: %v", attemptID, err)
			}
			continue
		}
		log.Printf("Attempt %s auto-submitted: time expired", attemptID)
	}

	e.enforceLiveness(ctx)
}

// enforceLiveness treats attempts that have gone silent past the
// heartbeat timeout as disconnected even though their sockets may still
// be nominally open.
func (e *Engine) enforceLiveness(ctx context.Context) {
	for _, session := range e.store.ListStale(e.cfg.HeartbeatTimeout) {
		log.Printf("Attempt %s silent for over %s, synthesizing disconnect", session.AttemptID, e.cfg.HeartbeatTimeout)
		e.gateway.SynthesizeDisconnect(ctx, session.AttemptID)
	}
}

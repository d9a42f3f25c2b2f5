package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"skyconsole/phase"
	"skyconsole/session"
	"skyconsole/stream"
	"skyconsole/transport"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoActiveTurn is returned for intents that need a turn before one was started.
	ErrNoActiveTurn = errors.New("no turn has been started")

	// ErrEmptyMessage is returned when a turn is started without content.
	ErrEmptyMessage = errors.New("message content is required")
)

// TurnRequest describes the turn a SourceFactory must open a stream for.
type TurnRequest struct {
	TurnID         string
	Content        string
	ConversationID string // Backend conversation id from an earlier turn; empty on the first one
}

// SourceFactory opens the stream of a new turn. It may block on the network;
// the console never calls it with its lock held.
type SourceFactory func(ctx context.Context, req TurnRequest) (transport.Source, error)

// ConsoleConfig holds what every new turn is built from.
type ConsoleConfig struct {
	Template          phase.Template
	SourcePolicy      phase.SourcePolicy
	CollapseDelay     time.Duration
	LogTruncateLength int

	// Scheduler and Clock replace wall-clock timers; tests use a manual scheduler.
	Scheduler phase.Scheduler
	Clock     phase.Clock
}

// Console coordinates the live turn: it owns the current generation session
// and task run, routes stream events to them, and serialises user intents
// against event application.
//
// Only one turn is live at a time. Starting a turn aborts the previous one,
// and any late event from the previous transport is dropped by the turn
// identity check in apply.
type Console struct {
	mu   sync.Mutex
	cfg  ConsoleConfig
	turn *turn

	// conversationID is the backend's id once a SessionBound arrived, or a
	// local id until then.
	conversationID string
	bound          bool

	factory SourceFactory
	history *HistoryStore
	cancels *CancelManager
	events  *eventLogger
	logger  *logrus.Entry

	subsMu  sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

type turn struct {
	id      string
	content string
	machine *session.Machine
	tracker *phase.Tracker
	source  transport.Source
	cancel  context.CancelFunc
	logger  *logrus.Entry

	finished bool
	done     chan struct{}
}

// NewConsole creates a console with no turn.
//
// Parameters:
//   - cfg: Template, source policy and timing for new turns
//   - factory: Opens the stream of each turn
//   - history: Receives every finished turn; may be nil
//   - logger: Base logger
//
// Returns:
//   - *Console: Console ready for StartTurn
//   - error: The template is invalid
func NewConsole(cfg ConsoleConfig, factory SourceFactory, history *HistoryStore, logger *logrus.Logger) (*Console, error) {
	if err := cfg.Template.Validate(); err != nil {
		return nil, fmt.Errorf("invalid phase template: %w", err)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = phase.RealScheduler{}
	}
	if cfg.Clock == nil {
		cfg.Clock = phase.RealClock{}
	}

	entry := logger.WithField("component", "console")
	return &Console{
		cfg:            cfg,
		conversationID: NewConversationID(),
		factory:        factory,
		history:        history,
		cancels:        NewCancelManager(),
		events:         newEventLogger(entry, cfg.LogTruncateLength),
		logger:         entry,
		subs:           make(map[int]chan struct{}),
	}, nil
}

// StartTurn opens a new turn for content and starts consuming its stream in
// the background. A turn that is still running is aborted first.
//
// Parameters:
//   - ctx: Request context; its values reach the source factory but its
//     cancellation does not end the turn
//   - content: The user's message
//
// Returns:
//   - string: The new turn id
//   - error: ErrEmptyMessage, or a failure building the task run
func (c *Console) StartTurn(ctx context.Context, content string) (string, error) {
	if content == "" {
		return "", ErrEmptyMessage
	}

	turnID := uuid.NewString()
	logger := c.logger.WithField("turnId", turnID)

	tracker, err := phase.NewTracker(c.cfg.Template,
		phase.WithScheduler(c.cfg.Scheduler),
		phase.WithClock(c.cfg.Clock),
		phase.WithCollapseDelay(c.cfg.CollapseDelay),
		phase.WithSourcePolicy(c.cfg.SourcePolicy),
		phase.WithLogger(logger),
		phase.WithOnChange(c.notify),
	)
	if err != nil {
		return "", err
	}

	// The turn outlives the request that started it.
	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &turn{
		id:      turnID,
		content: content,
		machine: session.New(turnID, content, c.logger),
		tracker: tracker,
		cancel:  cancel,
		logger:  logger,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	if prev := c.turn; prev != nil {
		if c.stopLocked(prev) {
			prev.logger.Info("Turn replaced by a new turn")
		}
		prev.tracker.Teardown()
	}
	var conversationID string
	if c.bound {
		conversationID = c.conversationID
	}
	c.turn = t
	c.mu.Unlock()

	c.cancels.AddTurn(turnID, cancel)
	logger.WithField("contentLength", len(content)).Info("Turn started")
	c.notify()

	go c.run(turnCtx, t, TurnRequest{
		TurnID:         turnID,
		Content:        content,
		ConversationID: conversationID,
	})
	return turnID, nil
}

// run opens the turn's source and pumps it until the stream or the session
// ends.
func (c *Console) run(ctx context.Context, t *turn, req TurnRequest) {
	defer close(t.done)
	defer c.cancels.RemoveTurn(t.id)
	defer t.cancel()

	src, err := c.factory(ctx, req)
	if err != nil {
		c.fail(t, fmt.Errorf("failed to open stream: %w", err))
		return
	}
	defer func() {
		if err := src.Close(); err != nil {
			t.logger.WithError(err).Debug("Failed to release stream source")
		}
	}()

	c.mu.Lock()
	if t.machine.Outcome().Terminal() {
		// Stopped while the stream was being opened.
		c.mu.Unlock()
		src.Cancel()
		return
	}
	t.source = src
	c.mu.Unlock()

	err = transport.Pump(ctx, src, func(ev stream.Event) bool {
		return c.apply(t, ev)
	}, t.logger)

	switch {
	case err == nil:
		c.fail(t, transport.ErrIncompleteStream)
	case errors.Is(err, transport.ErrCancelled), errors.Is(err, context.Canceled):
		t.logger.Debug("Stream consumer stopped after cancellation")
	default:
		c.fail(t, err)
	}
}

// apply routes one event of turn t and reports whether the stream consumer
// should keep going.
func (c *Console) apply(t *turn, ev stream.Event) bool {
	c.mu.Lock()
	if c.turn != t {
		c.mu.Unlock()
		t.logger.WithField("kind", ev.Kind()).Warn("Dropping event from a replaced turn")
		return false
	}
	if t.machine.Outcome().Terminal() {
		c.mu.Unlock()
		return false
	}

	var applied bool
	if stream.IsPhaseEvent(ev) {
		applied = t.tracker.Apply(ev)
	} else {
		applied = t.machine.Apply(t.id, ev)
	}
	if applied {
		c.route(t, ev)
	}
	c.events.observe(t.id, ev, applied)

	terminal := t.machine.Outcome().Terminal()
	if terminal {
		c.finishLocked(t)
	}
	c.mu.Unlock()

	if applied || terminal {
		c.notify()
	}
	return !terminal
}

// route applies the cross-machine effects of a session event.
func (c *Console) route(t *turn, ev stream.Event) {
	switch e := ev.(type) {
	case stream.Start:
		if binder, ok := t.source.(transport.ExecutionBinder); ok && e.ExecutionID != "" {
			binder.BindExecution(e.ExecutionID)
		}
	case stream.ConfirmationRequested:
		t.tracker.Pause()
	case stream.SessionBound:
		c.conversationID = e.ConversationID
		c.bound = true
	}
}

// fail ends turn t with a transport failure unless it already finished.
func (c *Console) fail(t *turn, reason error) {
	c.mu.Lock()
	failed := t.machine.Fail(reason)
	if failed {
		t.logger.WithError(reason).Warn("Turn failed")
		c.finishLocked(t)
	}
	c.mu.Unlock()

	if failed {
		c.notify()
	}
}

// finishLocked records the turn once. The task run stays live so that
// pending collapses of a finished turn still fire.
func (c *Console) finishLocked(t *turn) {
	if t.finished {
		return
	}
	t.finished = true

	snap := t.machine.Snapshot()
	t.logger.WithFields(logrus.Fields{
		"outcome":   snap.Outcome,
		"events":    snap.Events,
		"toolCalls": len(snap.ToolCalls),
	}).Info("Turn finished")

	if c.history != nil {
		c.history.Append(c.conversationID, TurnRecord{
			TurnID:  t.id,
			Content: t.content,
			Outcome: snap.Outcome,
			Session: snap,
			Task:    t.tracker.Snapshot(),
		})
	}
}

// Stop aborts the current turn. It returns false when there is no turn or
// the turn already finished, so repeated calls are no-ops.
func (c *Console) Stop() bool {
	c.mu.Lock()
	t := c.turn
	stopped := t != nil && c.stopLocked(t)
	c.mu.Unlock()

	if stopped {
		c.notify()
	}
	return stopped
}

// stopLocked flips t to Aborted, cancels its transport and its timers.
func (c *Console) stopLocked(t *turn) bool {
	if !t.machine.Stop() {
		return false
	}
	if t.source != nil {
		t.source.Cancel()
	}
	c.cancels.CancelTurn(t.id)
	t.tracker.Teardown()
	c.finishLocked(t)
	return true
}

// Confirm resolves the pending confirmation of the current turn and relays
// the decision to the backend when the transport supports it.
func (c *Console) Confirm(ctx context.Context, approved bool) error {
	c.mu.Lock()
	t := c.turn
	if t == nil {
		c.mu.Unlock()
		return ErrNoActiveTurn
	}
	resolved, err := t.machine.Confirm(approved)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	t.tracker.Resume()
	src := t.source
	c.mu.Unlock()
	c.notify()

	confirmer, ok := src.(transport.Confirmer)
	if !ok {
		return nil
	}
	if err := confirmer.Confirm(ctx, resolved.ActionID, approved); err != nil {
		t.logger.WithError(err).WithField("actionId", resolved.ActionID).Error("Failed to relay confirmation")
		return fmt.Errorf("failed to relay confirmation: %w", err)
	}
	return nil
}

// ToggleBlock flips one block of the current task run.
func (c *Console) ToggleBlock(blockID string) error {
	return c.withTracker(func(tr *phase.Tracker) error {
		return tr.ToggleExpand(blockID)
	})
}

// CollapseAll collapses every block of the current task run.
func (c *Console) CollapseAll() error {
	return c.withTracker(func(tr *phase.Tracker) error {
		tr.CollapseAll()
		return nil
	})
}

// ExpandAll expands every block of the current task run.
func (c *Console) ExpandAll() error {
	return c.withTracker(func(tr *phase.Tracker) error {
		tr.ExpandAll()
		return nil
	})
}

func (c *Console) withTracker(f func(*phase.Tracker) error) error {
	c.mu.Lock()
	t := c.turn
	if t == nil {
		c.mu.Unlock()
		return ErrNoActiveTurn
	}
	err := f(t.tracker)
	c.mu.Unlock()

	if err == nil {
		c.notify()
	}
	return err
}

// Session returns a snapshot of the current turn's session.
func (c *Console) Session() (session.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == nil {
		return session.Snapshot{}, false
	}
	return c.turn.machine.Snapshot(), true
}

// Task returns a snapshot of the current turn's task run.
func (c *Console) Task() (phase.TaskSnapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turn == nil {
		return phase.TaskSnapshot{}, false
	}
	return c.turn.tracker.Snapshot(), true
}

// State returns both snapshots, taken under one lock.
func (c *Console) State() StateMessage {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg := StateMessage{Type: "state"}
	if c.turn != nil {
		sess := c.turn.machine.Snapshot()
		task := c.turn.tracker.Snapshot()
		msg.Session = &sess
		msg.Task = &task
	}
	return msg
}

// ConversationID returns the id finished turns are recorded under.
func (c *Console) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// ActiveTurns returns the ids of turns whose stream is still being consumed.
func (c *Console) ActiveTurns() []string {
	return c.cancels.ActiveTurns()
}

// Wait blocks until the current turn's stream consumer has exited.
func (c *Console) Wait(ctx context.Context) error {
	c.mu.Lock()
	t := c.turn
	c.mu.Unlock()
	if t == nil {
		return ErrNoActiveTurn
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe returns a channel that receives a signal after every state
// change. Signals coalesce: a slow reader sees one pending signal, never a
// backlog. The returned function unsubscribes.
func (c *Console) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	return ch, func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Console) notify() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Close aborts the current turn, cancels every live stream and stops the
// task run's timers.
func (c *Console) Close() {
	c.Stop()
	c.mu.Lock()
	if c.turn != nil {
		c.turn.tracker.Teardown()
	}
	c.mu.Unlock()
	if n := c.cancels.CancelAll(); n > 0 {
		c.logger.WithField("turns", n).Info("Cancelled live turns on shutdown")
	}
}

/*
Package phase implements the phased task overlay: a fixed, ordered list of
blocks built from a Template, each with its own lifecycle, progress and
expand/collapse state, plus a weighted overall progress.

Block lifecycle is one-way:

	Pending -> Running -> Completed
	                   -> Failed

Only one block runs at a time. Completed blocks collapse automatically after
a short delay unless the user toggled them; the delay is the only
wall-clock-driven state change and is implemented as a cancellable callback
per block, never a polling loop.
*/
package phase

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"skyconsole/stream"

	"github.com/sirupsen/logrus"
)

// DefaultCollapseDelay is the auto-collapse window after a block completes.
const DefaultCollapseDelay = 800 * time.Millisecond

// maxRunningProgress keeps 100 reserved for completed blocks.
const maxRunningProgress = 99

// ErrUnknownBlock is returned for intents naming a block that does not exist.
var ErrUnknownBlock = errors.New("unknown block")

// Status is the lifecycle position of a block.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Completed Status = "completed"
	Failed    Status = "failed"
)

// RunStatus is the state of the whole task run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
)

// Query is a search query issued within a block.
type Query struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Source is a source discovered within a block.
type Source struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Block is the read-only view of one phase block.
type Block struct {
	ID          string     `json:"id"`
	Phase       string     `json:"phase"`
	Title       string     `json:"title"`
	Weight      float64    `json:"weight"`
	Status      Status     `json:"status"`
	Progress    float64    `json:"progress"`
	IsExpanded  bool       `json:"isExpanded"`
	Pinned      bool       `json:"pinned"` // Manually toggled; never auto-collapses
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Summary     string     `json:"summary,omitempty"`
	Error       string     `json:"error,omitempty"`
	Queries     []Query    `json:"queries"`
	Sources     []Source   `json:"sources"`
}

// TaskSnapshot is the read-only view of a task run.
type TaskSnapshot struct {
	Template         string    `json:"template"`
	Blocks           []Block   `json:"blocks"`
	CurrentBlockID   string    `json:"currentBlockId,omitempty"`
	OverallProgress  float64   `json:"overallProgress"`
	Status           RunStatus `json:"status"`
	PendingCollapses int       `json:"pendingCollapses"`
}

type block struct {
	Block
	queries orderedMap[Query]
	sources orderedMap[Source]
}

// collapse is a scheduled auto-collapse. The token identifies this particular
// scheduling so a callback that lost a race with Stop can tell it is stale.
type collapse struct {
	timer Timer
	token uint64
}

// Tracker is the state machine of one task run.
//
// Event application and intents come from the turn's single consumer; the
// auto-collapse callbacks run concurrently, so all state sits behind mu.
type Tracker struct {
	mu sync.Mutex

	template string
	blocks   []*block
	byID     map[string]int
	byPhase  map[string]int
	current  int
	status   RunStatus
	torn     bool

	collapses map[string]collapse
	nextToken uint64

	scheduler Scheduler
	clock     Clock
	delay     time.Duration
	policy    SourcePolicy
	logger    *logrus.Entry
	onChange  func()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithScheduler replaces the timer implementation.
func WithScheduler(s Scheduler) Option {
	return func(t *Tracker) { t.scheduler = s }
}

// WithClock replaces the time source used for block timestamps.
func WithClock(c Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithCollapseDelay sets the auto-collapse window.
func WithCollapseDelay(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.delay = d
		}
	}
}

// WithSourcePolicy sets how unattributed sources are attached to blocks.
func WithSourcePolicy(p SourcePolicy) Option {
	return func(t *Tracker) { t.policy = p }
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithOnChange registers a callback run after timer-driven changes, which
// happen outside event application. It is called without the lock held.
func WithOnChange(f func()) Option {
	return func(t *Tracker) { t.onChange = f }
}

// NewTracker builds a task run from tmpl. All blocks start Pending and
// collapsed; the first block is current.
func NewTracker(tmpl Template, opts ...Option) (*Tracker, error) {
	tmpl = tmpl.normalized()
	if err := tmpl.Validate(); err != nil {
		return nil, fmt.Errorf("invalid phase template: %w", err)
	}

	t := &Tracker{
		template:  tmpl.Name,
		byID:      make(map[string]int, len(tmpl.Phases)),
		byPhase:   make(map[string]int, len(tmpl.Phases)),
		status:    RunRunning,
		collapses: make(map[string]collapse),
		scheduler: RealScheduler{},
		clock:     RealClock{},
		delay:     DefaultCollapseDelay,
		policy:    DefaultSourcePolicy(),
		logger:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithField("component", "phase")

	weights := tmpl.Weights()
	for i, p := range tmpl.Phases {
		t.blocks = append(t.blocks, &block{
			Block: Block{
				ID:     p.ID,
				Phase:  p.Phase,
				Title:  p.Title,
				Weight: weights[i],
				Status: Pending,
			},
			queries: newOrderedMap[Query](),
			sources: newOrderedMap[Source](),
		})
		t.byID[p.ID] = i
		if _, dup := t.byPhase[p.Phase]; !dup {
			t.byPhase[p.Phase] = i
		}
	}
	return t, nil
}

// Apply folds a phase, query or source event into the run and reports
// whether it changed anything. Other events are ignored.
func (t *Tracker) Apply(ev stream.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.torn {
		return false
	}

	switch e := ev.(type) {
	case stream.PhaseStarted:
		idx, ok := t.resolve(e.Phase)
		if !ok {
			return t.unknown(e)
		}
		return t.start(idx)

	case stream.PhaseProgressed:
		idx, ok := t.resolve(e.Phase)
		if !ok {
			return t.unknown(e)
		}
		return t.progress(idx, e.Progress)

	case stream.PhaseCompleted:
		idx, ok := t.resolve(e.Phase)
		if !ok {
			return t.unknown(e)
		}
		return t.complete(idx, e.Summary)

	case stream.PhaseFailed:
		idx, ok := t.resolve(e.Phase)
		if !ok {
			return t.unknown(e)
		}
		return t.fail(idx, e.Message)

	case stream.QueryAdded:
		return t.addQuery(e)

	case stream.SourceFound:
		return t.addSource(e)
	}
	return false
}

// ToggleExpand flips a block's expanded state. A manual toggle pins the
// block: any pending auto-collapse is cancelled and none is scheduled later.
func (t *Tracker) ToggleExpand(blockID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx, ok := t.byID[blockID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBlock, blockID)
	}
	b := t.blocks[idx]
	b.IsExpanded = !b.IsExpanded
	b.Pinned = true
	t.cancelCollapse(b.ID)
	return nil
}

// CollapseAll collapses every block and cancels pending auto-collapses.
func (t *Tracker) CollapseAll() {
	t.setAllExpanded(false)
}

// ExpandAll expands every block and cancels pending auto-collapses, which
// would otherwise fold the just-expanded blocks again.
func (t *Tracker) ExpandAll() {
	t.setAllExpanded(true)
}

func (t *Tracker) setAllExpanded(expanded bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.blocks {
		b.IsExpanded = expanded
		t.cancelCollapse(b.ID)
	}
}

// Pause marks the run as waiting on the user.
func (t *Tracker) Pause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.torn || t.status != RunRunning {
		return false
	}
	t.status = RunPaused
	return true
}

// Resume returns a paused run to Running.
func (t *Tracker) Resume() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.torn || t.status != RunPaused {
		return false
	}
	t.status = RunRunning
	return true
}

// Teardown cancels every scheduled callback and freezes the run. Callbacks
// that already started firing see the teardown and do nothing. Safe to call
// more than once.
func (t *Tracker) Teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.torn {
		return
	}
	t.torn = true
	for id := range t.collapses {
		t.cancelCollapse(id)
	}
	t.logger.Debug("Task run torn down")
}

// OverallProgress returns the weighted progress of the run.
func (t *Tracker) OverallProgress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overall()
}

// Snapshot returns a detached copy of the run.
func (t *Tracker) Snapshot() TaskSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := TaskSnapshot{
		Template:         t.template,
		Blocks:           make([]Block, 0, len(t.blocks)),
		OverallProgress:  t.overall(),
		Status:           t.status,
		PendingCollapses: len(t.collapses),
	}
	if t.current >= 0 && t.current < len(t.blocks) && t.status != RunCompleted {
		snap.CurrentBlockID = t.blocks[t.current].ID
	}
	for _, b := range t.blocks {
		view := b.Block
		view.StartedAt = copyTime(b.StartedAt)
		view.CompletedAt = copyTime(b.CompletedAt)
		view.Queries = b.queries.values()
		view.Sources = b.sources.values()
		snap.Blocks = append(snap.Blocks, view)
	}
	return snap
}

func (t *Tracker) resolve(name string) (int, bool) {
	if idx, ok := t.byID[name]; ok {
		return idx, true
	}
	idx, ok := t.byPhase[name]
	return idx, ok
}

func (t *Tracker) unknown(ev stream.Event) bool {
	t.logger.WithField("kind", ev.Kind()).Warn("Phase event names no block of this task")
	return false
}

func (t *Tracker) start(idx int) bool {
	b := t.blocks[idx]
	switch b.Status {
	case Running:
		return false
	case Completed, Failed:
		t.logger.WithFields(logrus.Fields{
			"blockId": b.ID,
			"status":  b.Status,
		}).Warn("Ignoring start for a finished block")
		return false
	}

	// Backends can race: a new phase may start before the previous one
	// reported completion. Keep a single active block.
	for i, other := range t.blocks {
		if i != idx && other.Status == Running {
			t.logger.WithFields(logrus.Fields{
				"blockId":  other.ID,
				"progress": other.Progress,
				"next":     b.ID,
			}).Info("Force-completing running block")
			t.finish(other, "")
		}
	}

	now := t.clock.Now()
	b.Status = Running
	b.IsExpanded = true
	b.StartedAt = &now
	t.current = idx
	return true
}

func (t *Tracker) progress(idx int, value float64) bool {
	b := t.blocks[idx]
	if b.Status != Running {
		t.logger.WithFields(logrus.Fields{
			"blockId": b.ID,
			"status":  b.Status,
		}).Debug("Ignoring progress for a block that is not running")
		return false
	}
	value = math.Max(0, math.Min(value, maxRunningProgress))
	if value <= b.Progress {
		return false
	}
	b.Progress = value
	return true
}

func (t *Tracker) complete(idx int, summary string) bool {
	b := t.blocks[idx]
	if b.Status == Completed || b.Status == Failed {
		return false
	}
	if b.Status == Pending {
		now := t.clock.Now()
		b.StartedAt = &now
	}
	b.Progress = 100
	t.finish(b, summary)
	t.advance(idx)
	return true
}

// finish moves b to Completed at its current progress and schedules its
// auto-collapse.
func (t *Tracker) finish(b *block, summary string) {
	now := t.clock.Now()
	b.Status = Completed
	b.CompletedAt = &now
	if summary == "" {
		summary = b.summarize()
	}
	b.Summary = summary
	t.scheduleCollapse(b)
}

// advance moves the current pointer past a completed block and completes the
// run once every block is done.
func (t *Tracker) advance(idx int) {
	if t.allCompleted() {
		t.status = RunCompleted
		t.logger.Info("Task run completed")
		return
	}
	if idx+1 < len(t.blocks) {
		if t.current <= idx {
			t.current = idx + 1
		}
		return
	}
	for i, b := range t.blocks {
		if b.Status == Pending || b.Status == Running {
			t.current = i
			return
		}
	}
}

func (t *Tracker) fail(idx int, message string) bool {
	b := t.blocks[idx]
	if b.Status == Completed || b.Status == Failed {
		return false
	}
	now := t.clock.Now()
	if b.StartedAt == nil {
		b.StartedAt = &now
	}
	b.Status = Failed
	b.CompletedAt = &now
	b.IsExpanded = true
	b.Error = message
	t.cancelCollapse(b.ID)
	t.current = idx
	t.logger.WithFields(logrus.Fields{
		"blockId": b.ID,
		"error":   message,
	}).Warn("Task block failed")
	return true
}

func (t *Tracker) addQuery(e stream.QueryAdded) bool {
	idx, ok := t.resolve(e.Phase)
	if !ok {
		if cur := t.currentBlock(); cur != nil && cur.Status == Running {
			idx, ok = t.current, true
		} else if idx, ok = t.resolve(t.policy.FallbackPhase); !ok && cur != nil {
			idx, ok = t.current, true
		}
	}
	if !ok {
		return t.unknown(e)
	}
	id := e.ID
	if id == "" {
		id = fmt.Sprintf("q%d", t.blocks[idx].queries.len()+1)
	}
	return t.blocks[idx].queries.put(id, Query{ID: id, Text: e.Query})
}

func (t *Tracker) addSource(e stream.SourceFound) bool {
	idx, ok := t.policy.target(t, e.Phase)
	if !ok {
		t.logger.WithField("url", e.URL).Warn("Dropping source with no block to attach to")
		return false
	}
	id := e.ID
	if id == "" {
		id = e.URL
	}
	return t.blocks[idx].sources.put(id, Source{ID: id, URL: e.URL, Title: e.Title})
}

func (t *Tracker) currentBlock() *block {
	if t.current < 0 || t.current >= len(t.blocks) {
		return nil
	}
	return t.blocks[t.current]
}

func (t *Tracker) allCompleted() bool {
	for _, b := range t.blocks {
		if b.Status != Completed {
			return false
		}
	}
	return true
}

// overall is a pure function of the block list.
func (t *Tracker) overall() float64 {
	if t.allCompleted() {
		return 100
	}
	total := 0.0
	for _, b := range t.blocks {
		switch b.Status {
		case Completed:
			total += b.Weight
		case Running:
			total += b.Weight * b.Progress / 100
		}
	}
	// Float rounding must not report a finished run while a block is open.
	return math.Min(math.Round(total*100)/100, 99.99)
}

func (t *Tracker) scheduleCollapse(b *block) {
	t.cancelCollapse(b.ID)
	if b.Pinned || t.torn {
		return
	}

	t.nextToken++
	token := t.nextToken
	id := b.ID
	timer := t.scheduler.AfterFunc(t.delay, func() { t.fireCollapse(id, token) })
	t.collapses[id] = collapse{timer: timer, token: token}
}

func (t *Tracker) cancelCollapse(blockID string) {
	c, ok := t.collapses[blockID]
	if !ok {
		return
	}
	c.timer.Stop()
	delete(t.collapses, blockID)
}

func (t *Tracker) fireCollapse(blockID string, token uint64) {
	t.mu.Lock()
	if t.torn {
		t.mu.Unlock()
		return
	}
	c, ok := t.collapses[blockID]
	if !ok || c.token != token {
		t.mu.Unlock()
		return
	}
	delete(t.collapses, blockID)

	b := t.blocks[t.byID[blockID]]
	if b.Status != Completed || b.Pinned {
		t.mu.Unlock()
		return
	}
	b.IsExpanded = false
	onChange := t.onChange
	t.mu.Unlock()

	if onChange != nil {
		onChange()
	}
}

func (b *block) summarize() string {
	q, s := b.queries.len(), b.sources.len()
	if q == 0 && s == 0 {
		if b.StartedAt != nil && b.CompletedAt != nil {
			return fmt.Sprintf("completed in %s", b.CompletedAt.Sub(*b.StartedAt).Round(100*time.Millisecond))
		}
		return ""
	}
	return fmt.Sprintf("%s, %s", plural(q, "query", "queries"), plural(s, "source", "sources"))
}

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", one)
	}
	return fmt.Sprintf("%d %s", n, many)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

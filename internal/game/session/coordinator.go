// Package session coordinates the single shared game session: player admission,
// per-player shape queues, the join and finish barriers, ranking and persistence.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/jigsaw/internal/game/result"
	"github.com/cory-johannsen/jigsaw/internal/game/shape"
)

// ErrUnregisteredPlayer is returned when an operation names a player that is not
// registered in the current cycle.
var ErrUnregisteredPlayer = errors.New("player not registered")

// ResultsStore persists finished-game records and serves the leaderboard.
type ResultsStore interface {
	// AddRecord stores e and returns the store-assigned identifier.
	AddRecord(ctx context.Context, e result.Entry) (int64, error)
	// TopRecords returns at most result.TopLimit records in leaderboard order.
	TopRecords(ctx context.Context) ([]result.Entry, error)
	// Close releases the store's resources.
	Close() error
}

// Config holds the fixed session parameters.
type Config struct {
	// Capacity is the number of players a game needs.
	Capacity int
	// ShapeBatchSize is how many shapes are drawn per refill.
	ShapeBatchSize int
	// MaxDurationSeconds is the game length advertised to clients.
	MaxDurationSeconds int
}

// Phase is the externally visible lifecycle stage of the session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseActive
	PhaseFinishing
	PhaseFinished
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseActive:
		return "active"
	case PhaseFinishing:
		return "finishing"
	case PhaseFinished:
		return "finished"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// completedGame is the ranked outcome of the last cycle that reached the finish barrier.
type completedGame struct {
	result    result.GameResult
	persisted bool
}

// Coordinator is the session state shared by every connection.
// All methods are safe for concurrent use; every operation runs under one mutex.
type Coordinator struct {
	cfg     Config
	catalog *shape.Catalog
	store   ResultsStore
	logger  *zap.Logger

	mu sync.Mutex
	// changed is closed and replaced on every state change to wake barrier waiters.
	changed           chan struct{}
	slots             map[string]int // username → slot index
	queues            [][]shape.Shape
	stats             map[string]result.PlayerStats
	disconnected      []string
	disconnectedCount int
	finishedCount     int
	cycleDone         bool
	generation        uint64
	last              *completedGame
}

// NewCoordinator creates a session with fresh shape queues.
//
// Precondition: catalog, store and logger must be non-nil.
// Postcondition: Returns a Coordinator in PhaseIdle, or an error if cfg is invalid.
func NewCoordinator(cfg Config, catalog *shape.Catalog, store ResultsStore, logger *zap.Logger) (*Coordinator, error) {
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("session capacity must be >= 1, got %d", cfg.Capacity)
	}
	if cfg.ShapeBatchSize < 1 {
		return nil, fmt.Errorf("shape batch size must be >= 1, got %d", cfg.ShapeBatchSize)
	}
	c := &Coordinator{
		cfg:     cfg,
		catalog: catalog,
		store:   store,
		logger:  logger,
		changed: make(chan struct{}),
	}
	c.resetLocked()
	return c, nil
}

// Capacity returns the configured number of players.
func (c *Coordinator) Capacity() int { return c.cfg.Capacity }

// MaxDuration returns the maximum game duration in seconds.
func (c *Coordinator) MaxDuration() int { return c.cfg.MaxDurationSeconds }

// Connect registers username in the lowest free slot.
//
// A registration arriving after the previous game completed starts a new cycle.
//
// Postcondition: Returns false without mutation if the session is full, the
// username is empty or the username is already registered.
func (c *Coordinator) Connect(username string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(username)
}

// Restart begins a new cycle for a player whose previous game completed.
// The first caller after completion resets the session; later callers only connect.
//
// Postcondition: Returns the outcome of Connect.
func (c *Coordinator) Restart(username string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cycleDone {
		c.logger.Info("restarting session", zap.String("username", username))
		c.resetLocked()
		c.notifyLocked()
	}
	return c.connectLocked(username)
}

func (c *Coordinator) connectLocked(username string) bool {
	if c.cycleDone {
		c.resetLocked()
	}
	if username == "" {
		return false
	}
	if len(c.slots) >= c.cfg.Capacity {
		c.logger.Info("registration rejected: session full",
			zap.String("username", username),
			zap.Int("capacity", c.cfg.Capacity),
		)
		return false
	}
	if _, exists := c.slots[username]; exists {
		c.logger.Info("registration rejected: username taken", zap.String("username", username))
		return false
	}

	slot := c.freeSlotLocked()
	c.slots[username] = slot
	c.logger.Info("player connected",
		zap.String("username", username),
		zap.Int("slot", slot),
		zap.Int("connected", len(c.slots)),
	)
	c.notifyLocked()
	return true
}

func (c *Coordinator) freeSlotLocked() int {
	used := make([]bool, c.cfg.Capacity)
	for _, s := range c.slots {
		used[s] = true
	}
	for i, u := range used {
		if !u {
			return i
		}
	}
	panic("session: no free slot below capacity")
}

// AllConnected reports whether every slot is taken.
func (c *Coordinator) AllConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allConnectedLocked()
}

func (c *Coordinator) allConnectedLocked() bool {
	return len(c.slots) == c.cfg.Capacity
}

// Disconnect removes username and its in-progress stats from the session.
// Removing the last connected player resets the session.
//
// Postcondition: Unknown usernames are ignored.
func (c *Coordinator) Disconnect(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.slots[username]
	if !ok {
		return
	}
	delete(c.slots, username)
	if _, finished := c.stats[username]; finished {
		delete(c.stats, username)
		c.finishedCount--
	}
	c.disconnected = append(c.disconnected, username)
	if c.cfg.Capacity > 1 {
		c.disconnectedCount++
	}

	c.logger.Info("player disconnected",
		zap.String("username", username),
		zap.Int("slot", slot),
		zap.Int("connected", len(c.slots)),
	)

	if len(c.slots) == 0 {
		c.resetLocked()
	} else {
		c.completeIfFinishedLocked()
	}
	c.notifyLocked()
}

// ShapeFor pops the next shape from username's queue. Draining a queue refills
// every queue with the same freshly drawn batch.
//
// Postcondition: Returns the shape, or ErrUnregisteredPlayer.
func (c *Coordinator) ShapeFor(username string) (shape.Shape, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.slots[username]
	if !ok {
		return shape.Shape{}, fmt.Errorf("shape for %q: %w", username, ErrUnregisteredPlayer)
	}
	// Queues are never empty: reset fills every slot and the pop below refills
	// a queue it drains.
	s := c.queues[slot][0]
	c.queues[slot] = c.queues[slot][1:]
	if len(c.queues[slot]) == 0 {
		c.refillLocked()
	}
	return s, nil
}

// ShapeCount returns how many shapes remain queued for username.
func (c *Coordinator) ShapeCount(username string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slot, ok := c.slots[username]
	if !ok {
		return 0, fmt.Errorf("shape count for %q: %w", username, ErrUnregisteredPlayer)
	}
	return len(c.queues[slot]), nil
}

func (c *Coordinator) refillLocked() {
	batch := make([]shape.Shape, c.cfg.ShapeBatchSize)
	for i := range batch {
		batch[i] = c.catalog.Random()
	}
	for i := range c.queues {
		c.queues[i] = append(c.queues[i], batch...)
	}
	c.logger.Debug("shape queues refilled", zap.Int("batch", len(batch)))
}

// Cycle identifies one game between two resets.
type Cycle uint64

// Finish records stats for username.
//
// Postcondition: Returns false without mutation if the finish barrier is already
// reached, username is not registered or username already finished.
// Reaching the barrier frees every slot and freezes the ranked result.
func (c *Coordinator) Finish(username string, stats result.PlayerStats) bool {
	_, ok := c.FinishInCycle(username, stats)
	return ok
}

// FinishInCycle is Finish that also returns the cycle the stats were recorded
// in, for use with CycleFinished and WaitCycleFinished. A zero FinishedAt is
// stamped with the current time.
//
// Postcondition: The returned Cycle is only meaningful when ok is true.
func (c *Coordinator) FinishInCycle(username string, stats result.PlayerStats) (cycle Cycle, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.allFinishedLocked() {
		return 0, false
	}
	if _, ok := c.slots[username]; !ok {
		return 0, false
	}
	if _, done := c.stats[username]; done {
		return 0, false
	}
	if stats.FinishedAt.IsZero() {
		stats.FinishedAt = time.Now().UTC()
	}

	cycle = Cycle(c.generation)
	c.stats[username] = stats
	c.finishedCount++
	c.logger.Info("player finished",
		zap.String("username", username),
		zap.Int("score", stats.Score),
		zap.String("duration", stats.Duration),
		zap.Int("finished", c.finishedCount),
		zap.Int("needed", c.cfg.Capacity-c.disconnectedCount),
	)

	c.completeIfFinishedLocked()
	c.notifyLocked()
	return cycle, true
}

func (c *Coordinator) completeIfFinishedLocked() {
	if c.cycleDone || c.finishedCount == 0 || !c.allFinishedLocked() {
		return
	}
	c.cycleDone = true
	c.slots = make(map[string]int, c.cfg.Capacity)
	c.last = &completedGame{result: result.Build(c.stats, c.disconnected)}
	c.logger.Info("game completed",
		zap.String("winner", c.last.result.Winner),
		zap.Int("finishers", len(c.last.result.Stats)),
		zap.Strings("disconnected", c.last.result.Disconnected),
	)
}

// AllFinished reports whether every player still in the game has finished.
func (c *Coordinator) AllFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allFinishedLocked()
}

func (c *Coordinator) allFinishedLocked() bool {
	return c.finishedCount == c.cfg.Capacity-c.disconnectedCount
}

// Results returns the ranked outcome of the last completed game and persists its
// entries the first time it is requested. Before any game completed it ranks the
// stats recorded so far without persisting them.
//
// Store failures are logged and never returned.
func (c *Coordinator) Results(ctx context.Context) result.GameResult {
	c.mu.Lock()
	var (
		game    *completedGame
		res     result.GameResult
		persist bool
	)
	switch {
	case c.cycleDone || (len(c.stats) == 0 && c.last != nil):
		game = c.last
		res = game.result
		persist = !game.persisted
		game.persisted = true
	default:
		res = result.Build(c.stats, c.disconnected)
	}
	res = copyResult(res)
	c.mu.Unlock()

	if persist {
		c.persist(ctx, res.Stats)
	}
	return res
}

func (c *Coordinator) persist(ctx context.Context, entries []result.Entry) {
	start := time.Now()
	stored := 0
	for _, e := range entries {
		id, err := c.store.AddRecord(ctx, e)
		if err != nil {
			c.logger.Error("could not save a record",
				zap.String("username", e.Username),
				zap.Error(err),
			)
			continue
		}
		stored++
		c.logger.Debug("record saved", zap.Int64("id", id), zap.String("username", e.Username))
	}
	c.logger.Info("results persisted",
		zap.Int("stored", stored),
		zap.Int("total", len(entries)),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func copyResult(r result.GameResult) result.GameResult {
	return result.GameResult{
		Winner:       r.Winner,
		Stats:        append([]result.Entry{}, r.Stats...),
		Disconnected: append([]string{}, r.Disconnected...),
	}
}

// AnotherPlayer returns the username of a registered player other than username,
// or "" if there is none.
func (c *Coordinator) AnotherPlayer(username string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	other := ""
	best := c.cfg.Capacity
	for name, slot := range c.slots {
		if name != username && slot < best {
			other, best = name, slot
		}
	}
	return other
}

// Reset clears the registry, stats, disconnect tracking and shape queues and draws
// a fresh initial batch. Persisted results and the last completed game survive.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	c.notifyLocked()
}

func (c *Coordinator) resetLocked() {
	c.slots = make(map[string]int, c.cfg.Capacity)
	c.stats = make(map[string]result.PlayerStats, c.cfg.Capacity)
	c.disconnected = nil
	c.disconnectedCount = 0
	c.finishedCount = 0
	c.cycleDone = false
	c.generation++
	c.queues = make([][]shape.Shape, c.cfg.Capacity)
	c.refillLocked()
	c.logger.Debug("session reset", zap.Uint64("generation", c.generation))
}

// TopRecords returns the leaderboard. Store failures yield an empty list.
func (c *Coordinator) TopRecords(ctx context.Context) []result.Entry {
	records, err := c.store.TopRecords(ctx)
	if err != nil {
		c.logger.Error("could not load top records", zap.Error(err))
		return []result.Entry{}
	}
	return records
}

// Phase returns the current lifecycle stage.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phaseLocked()
}

func (c *Coordinator) phaseLocked() Phase {
	switch {
	case c.cycleDone:
		return PhaseFinished
	case c.finishedCount > 0:
		return PhaseFinishing
	case len(c.slots) == 0:
		return PhaseIdle
	case len(c.slots) < c.cfg.Capacity:
		return PhaseConnecting
	}
	return PhaseActive
}

// WaitAllConnected blocks until every slot is taken or ctx is done.
// There is no timeout: a session that never fills keeps its waiters parked.
//
// Postcondition: Returns nil once AllConnected held, or ctx.Err().
func (c *Coordinator) WaitAllConnected(ctx context.Context) error {
	return c.waitFor(ctx, c.allConnectedLocked)
}

// WaitAllFinished blocks until the finish barrier of the current cycle is
// reached, the cycle is replaced by a reset, or ctx is done.
//
// Postcondition: Returns nil once the barrier was reached, or ctx.Err().
func (c *Coordinator) WaitAllFinished(ctx context.Context) error {
	c.mu.Lock()
	cycle := Cycle(c.generation)
	c.mu.Unlock()
	return c.WaitCycleFinished(ctx, cycle)
}

// CycleFinished reports whether cycle reached its finish barrier. A cycle that
// was already replaced by a reset counts as finished, so a player who finished
// it is never held on the next game's barrier.
func (c *Coordinator) CycleFinished(cycle Cycle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycleFinishedLocked(cycle)
}

func (c *Coordinator) cycleFinishedLocked(cycle Cycle) bool {
	return Cycle(c.generation) != cycle || c.allFinishedLocked()
}

// WaitCycleFinished blocks until CycleFinished(cycle) holds or ctx is done.
//
// Postcondition: Returns nil once the cycle finished, or ctx.Err().
func (c *Coordinator) WaitCycleFinished(ctx context.Context, cycle Cycle) error {
	return c.waitFor(ctx, func() bool { return c.cycleFinishedLocked(cycle) })
}

// WaitPhaseChange blocks until the phase differs from p or ctx is done.
//
// Postcondition: Returns the new phase, or ctx.Err().
func (c *Coordinator) WaitPhaseChange(ctx context.Context, p Phase) (Phase, error) {
	var next Phase
	err := c.waitFor(ctx, func() bool {
		next = c.phaseLocked()
		return next != p
	})
	return next, err
}

// waitFor blocks until ready, evaluated under the mutex, returns true.
func (c *Coordinator) waitFor(ctx context.Context, ready func() bool) error {
	for {
		c.mu.Lock()
		if ready() {
			c.mu.Unlock()
			return nil
		}
		ch := c.changed
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// Close releases the results store.
func (c *Coordinator) Close() error {
	return c.store.Close()
}

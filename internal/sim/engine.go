package sim

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/vivarium/internal/quality"
	"github.com/nidhogg/vivarium/internal/store"
	"github.com/nidhogg/vivarium/internal/world"
)

const maxRoundsPerTick = 3

// Engine drives the simulation loop across all worlds.
type Engine struct {
	store     Store
	memories  Memories
	textgen   TextGen
	publisher Publisher
	gate      *quality.Gate
	cfg       Config
	logger    *zap.Logger
	rng       *rand.Rand
	now       func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	lastSent        map[string]time.Time
	lastStepGen     map[string]time.Time
	lastDialogueGen map[string]time.Time
	pendingReply    map[string]map[string]string // world id -> target -> actor owed a reply
	topics          *topicBook
	focus           *focusController
}

// NewEngine wires the scheduler to its collaborators.
func NewEngine(st Store, mem Memories, gen TextGen, pub Publisher, cfg Config, logger *zap.Logger) *Engine {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 10 * time.Second
	}
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = 3 * time.Minute
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	e := &Engine{
		store:           st,
		memories:        mem,
		textgen:         gen,
		publisher:       pub,
		gate:            quality.NewGate(),
		cfg:             cfg,
		logger:          logger,
		rng:             rng,
		now:             time.Now,
		running:         true,
		lastSent:        make(map[string]time.Time),
		lastStepGen:     make(map[string]time.Time),
		lastDialogueGen: make(map[string]time.Time),
		pendingReply:    make(map[string]map[string]string),
		topics:          newTopicBook(rng),
	}
	e.focus = newFocusController(st, cfg.StrictFocus, e.now)
	return e
}

// Start launches the tick loop. Calling Start twice is a no-op until
// Stop has been called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopCh != nil {
		return
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	go e.run(ctx, e.stopCh, e.doneCh)
}

// Stop signals the loop and waits for the current tick to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	stopCh, doneCh := e.stopCh, e.doneCh
	e.stopCh = nil
	e.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}

// SetRunning pauses or resumes ticking without tearing the loop down.
func (e *Engine) SetRunning(running bool) {
	e.mu.Lock()
	e.running = running
	e.mu.Unlock()
}

// IsRunning reports whether ticks are being processed.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !e.IsRunning() {
			if !e.sleep(ctx, stopCh, 500*time.Millisecond) {
				return
			}
			continue
		}

		if err := e.tick(ctx); err != nil {
			e.logger.Error("tick failed", zap.Error(err))
			if !e.sleep(ctx, stopCh, time.Second) {
				return
			}
		}

		qctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		speed, err := e.store.FastestSpeed(qctx)
		cancel()
		if err != nil {
			e.logger.Warn("fastest speed lookup failed", zap.Error(err))
			speed = 1.0
		}
		interval := time.Duration(float64(e.cfg.TickInterval) / max(speed, 0.1))
		if !e.sleep(ctx, stopCh, max(interval, time.Second)) {
			return
		}
	}
}

func (e *Engine) sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// tick processes every world once. Round failures are logged and never
// abort the loop. Every persistence touch runs under a deadline so a
// hung database cannot wedge the scheduler.
func (e *Engine) tick(ctx context.Context) error {
	qctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
	worldIDs, err := e.store.ListWorldIDs(qctx)
	cancel()
	if err != nil {
		return err
	}

	for _, worldID := range worldIDs {
		qctx, cancel := context.WithTimeout(ctx, e.cfg.StoreTimeout)
		agents, err := e.store.ListAgents(qctx, worldID)
		cancel()
		if err != nil {
			e.logger.Warn("list agents failed", zap.String("world_id", worldID), zap.Error(err))
			continue
		}
		if len(agents) == 0 {
			continue
		}

		qctx, cancel = context.WithTimeout(ctx, e.cfg.StoreTimeout)
		speed, err := e.store.GetWorldSpeed(qctx, worldID)
		cancel()
		if err != nil {
			e.logger.Warn("world speed lookup failed", zap.String("world_id", worldID), zap.Error(err))
			speed = 1.0
		}
		if speed < 1.0 && e.rng.Float64() > speed {
			continue
		}

		rounds := min(maxRoundsPerTick, 1+int(speed))
		for i := 0; i < rounds; i++ {
			rctx, cancel := context.WithTimeout(ctx, e.cfg.RoundTimeout)
			err := e.round(rctx, worldID, agents)
			cancel()
			if err != nil {
				e.logger.Error("round failed", zap.String("world_id", worldID), zap.Error(err))
			}
		}
	}
	return nil
}

// latestUserEvent fetches the world's newest injected event within the
// freshness window, treating absence as nil.
func (e *Engine) latestUserEvent(ctx context.Context, worldID string) (*world.Event, error) {
	ev, err := e.store.LatestUserEvent(ctx, worldID, e.cfg.EventMaxAge)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return ev, err
}

// onCooldown reports whether the agent spoke too recently.
func (e *Engine) onCooldown(agentID string) bool {
	last, ok := e.lastSent[agentID]
	if !ok {
		return false
	}
	return e.now().Sub(last) < e.cfg.AgentCooldown
}

// canGenerate gates per-agent generation frequency for one call site.
func (e *Engine) canGenerate(lastAt map[string]time.Time, agentID string) bool {
	last, ok := lastAt[agentID]
	if !ok {
		return true
	}
	floor := max(8*time.Second, e.cfg.TextGenCooldown/2)
	return e.now().Sub(last) >= floor
}

// worldDebts returns the world's reply-debt map, creating it on first
// use. Debts never cross worlds.
func (e *Engine) worldDebts(worldID string) map[string]string {
	debts, ok := e.pendingReply[worldID]
	if !ok {
		debts = make(map[string]string)
		e.pendingReply[worldID] = debts
	}
	return debts
}

// markTurn records that actor addressed target: actor goes on cooldown
// and target now owes a reply.
func (e *Engine) markTurn(worldID, actorID, targetID string) {
	e.lastSent[actorID] = e.now()
	e.worldDebts(worldID)[targetID] = actorID
}

// pickPair chooses this round's actor and target. Reply debts resolve
// with high probability; otherwise the pick is uniform.
func (e *Engine) pickPair(worldID string, agents []*world.Agent) (*world.Agent, *world.Agent) {
	byID := make(map[string]*world.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	debts := e.worldDebts(worldID)
	var debtors []string
	for actorID, targetID := range debts {
		if byID[actorID] != nil && byID[targetID] != nil {
			debtors = append(debtors, actorID)
		}
	}
	if len(debtors) > 0 && e.rng.Float64() < 0.75 {
		actorID := debtors[e.rng.Intn(len(debtors))]
		targetID := debts[actorID]
		delete(debts, actorID)
		if actorID != targetID {
			return byID[actorID], byID[targetID]
		}
	}

	actor := agents[e.rng.Intn(len(agents))]
	others := make([]*world.Agent, 0, len(agents)-1)
	for _, a := range agents {
		if a.ID != actor.ID {
			others = append(others, a)
		}
	}
	if len(others) == 0 {
		return nil, nil
	}
	return actor, others[e.rng.Intn(len(others))]
}

// pickPairForEvent prefers actors that have not reacted to the active
// event yet.
func (e *Engine) pickPairForEvent(ctx context.Context, agents []*world.Agent, eventID string) (*world.Agent, *world.Agent, error) {
	byID := make(map[string]*world.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}

	unreacted, err := e.focus.UnreactedAgents(ctx, agents, eventID)
	if err != nil {
		return nil, nil, err
	}
	candidates := unreacted
	if len(candidates) == 0 {
		for _, a := range agents {
			candidates = append(candidates, a.ID)
		}
	}
	actorID := candidates[e.rng.Intn(len(candidates))]

	var others []string
	for _, a := range agents {
		if a.ID != actorID {
			others = append(others, a.ID)
		}
	}
	if len(others) == 0 {
		return nil, nil, nil
	}
	targetID := others[e.rng.Intn(len(others))]
	return byID[actorID], byID[targetID], nil
}

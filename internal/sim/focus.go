package sim

import (
	"context"
	"time"

	"github.com/nidhogg/vivarium/internal/world"
)

// focusController decides whether a world is in event-focus mode. While
// focused, every turn is about the event until all agents have reacted.
type focusController struct {
	store       Store
	strictFocus time.Duration
	activeEvent map[string]string // world id -> event id
	now         func() time.Time
}

func newFocusController(st Store, strictFocus time.Duration, now func() time.Time) *focusController {
	return &focusController{
		store:       st,
		strictFocus: strictFocus,
		activeEvent: make(map[string]string),
		now:         now,
	}
}

// Resolve returns the world's active event, or nil when the world runs
// free. onNewEvent fires once when the tracked event identity changes,
// so the engine can clear pair topics and pending replies.
func (f *focusController) Resolve(ctx context.Context, worldID string, agents []*world.Agent, latest *world.Event, onNewEvent func()) (*world.Event, error) {
	if latest == nil {
		delete(f.activeEvent, worldID)
		return nil, nil
	}

	if f.activeEvent[worldID] != latest.ID {
		f.activeEvent[worldID] = latest.ID
		onNewEvent()
	}

	if f.now().Sub(latest.CreatedAt) <= f.strictFocus {
		return latest, nil
	}

	// Past the strict window the event stays active only while someone
	// has not reacted yet.
	for _, a := range agents {
		reacted, err := f.store.HasEventReaction(ctx, a.ID, latest.ID)
		if err != nil {
			return nil, err
		}
		if !reacted {
			return latest, nil
		}
	}
	return nil, nil
}

// UnreactedAgents returns the IDs of agents lacking a reaction memory
// for the event.
func (f *focusController) UnreactedAgents(ctx context.Context, agents []*world.Agent, eventID string) ([]string, error) {
	var out []string
	for _, a := range agents {
		reacted, err := f.store.HasEventReaction(ctx, a.ID, eventID)
		if err != nil {
			return nil, err
		}
		if !reacted {
			out = append(out, a.ID)
		}
	}
	return out, nil
}

package tally

import (
	"context"
	"time"

	"voteauth.org/internal/model"
	"voteauth.org/internal/obs"
)

// Action names written while driving tallies.
const (
	actionTallyStarted = "authevent:tally:started"
	actionTallySuccess = "authevent:tally:success"
	actionTallyError   = "authevent:tally:error"
)

// Loop is the single-instance scheduler that keeps at most one tally running
// at a time: it reconciles every started event against the tally service and
// launches the next pending one only when none remain started.
type Loop struct {
	store  model.Store
	client *Client
	now    func() time.Time
}

func NewLoop(store model.Store, client *Client) *Loop {
	return &Loop{store: store, client: client, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (l *Loop) WithClock(fn func() time.Time) *Loop {
	if fn != nil {
		l.now = fn
	}
	return l
}

// Run executes Step every interval until the context is cancelled.
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := l.Step(ctx); err != nil {
			obs.Error("tally step failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Step runs one scheduling pass. Tally-service unavailability is soft: the
// affected event is left for the next pass, never crashing the loop.
func (l *Loop) Step(ctx context.Context) error {
	started, err := l.store.Events().ListByTallyStatus(ctx, model.TallyStarted)
	if err != nil {
		return err
	}

	running := 0
	for _, ae := range started {
		state, serr := l.client.Status(ctx, ae.ID)
		if serr != nil {
			obs.Error("tally status unavailable", map[string]any{
				"event": ae.ID, "error": serr.Error(),
			})
			running++
			continue
		}
		switch state {
		case "tally_error":
			if err := l.transition(ctx, ae, model.TallyNotStarted, actionTallyError, state); err != nil {
				return err
			}
		case "doing_tally":
			running++
		case "tally_ok", "results_ok", "results_pub":
			if err := l.transition(ctx, ae, model.TallySuccess, actionTallySuccess, state); err != nil {
				return err
			}
		default:
			// unknown or transitional state, keep waiting
			running++
		}
	}

	if running == 0 {
		launched, lerr := l.launchNext(ctx)
		if lerr != nil {
			return lerr
		}
		if launched {
			running = 1
		}
	}
	obs.SetTalliesStarted(running)
	return nil
}

// launchNext starts the lowest-id pending tally, if any. A rejected launch
// moves the event to notstarted so an operator can requeue it.
func (l *Loop) launchNext(ctx context.Context) (bool, error) {
	pending, err := l.store.Events().ListByTallyStatus(ctx, model.TallyPending)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}
	ae := pending[0]

	voterIDs, err := l.store.Users().ActiveUsernamesByEvent(ctx, ae.ParentOrSelf())
	if err != nil {
		return false, err
	}
	if lerr := l.client.Launch(ctx, ae.ID, voterIDs); lerr != nil {
		obs.Error("tally launch rejected", map[string]any{
			"event": ae.ID, "error": lerr.Error(),
		})
		if err := l.transition(ctx, ae, model.TallyNotStarted, actionTallyError, "launch rejected"); err != nil {
			return false, err
		}
		return false, nil
	}
	obs.Info("tally launched", map[string]any{
		"event": ae.ID, "voters": len(voterIDs),
	})
	if err := l.transition(ctx, ae, model.TallyStarted, actionTallyStarted, ""); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Loop) transition(ctx context.Context, ae *model.AuthEvent, status, action, detail string) error {
	if err := l.store.Events().UpdateTallyStatus(ctx, ae.ID, status); err != nil {
		return err
	}
	eventID := ae.ID
	meta := map[string]any{"tally_status": status}
	if detail != "" {
		meta["state"] = detail
	}
	return l.store.Actions().Append(ctx, &model.Action{
		Name:     action,
		EventID:  &eventID,
		Metadata: meta,
		Created:  l.now(),
	})
}

// Package shadow implements the approval gate. While shadow mode is on every
// mutating action is staged here and only takes effect once a reviewer
// approves it.
package shadow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"agentswarm/internal/domain"
	"agentswarm/internal/infra/tracer"
)

// Listener is told about every resolved action. err is nil when the effect
// executed, ErrApprovalRejected on rejection, and the effect's error when it
// failed.
type Listener func(ctx context.Context, action domain.ShadowAction, err error)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Gate stages, approves and rejects mutating actions.
type Gate struct {
	effects domain.Effector
	store   domain.KVStore // optional
	bus     domain.EventBus
	logger  *slog.Logger
	now     func() time.Time

	enabled atomic.Bool
	nextID  atomic.Uint64

	mu        sync.Mutex
	actions   map[string]*domain.ShadowAction
	listeners []listenerEntry
}

// Options configures a Gate.
type Options struct {
	Enabled bool
	Effects domain.Effector
	Store   domain.KVStore
	Bus     domain.EventBus
	Logger  *slog.Logger
}

// New creates a gate. Store and Bus may be nil.
func New(opts Options) *Gate {
	g := &Gate{
		effects: opts.Effects,
		store:   opts.Store,
		bus:     opts.Bus,
		logger:  opts.Logger,
		now:     time.Now,
		actions: make(map[string]*domain.ShadowAction),
	}
	g.enabled.Store(opts.Enabled)
	return g
}

// Enabled reports whether shadow mode is on.
func (g *Gate) Enabled() bool { return g.enabled.Load() }

// SetEnabled toggles shadow mode. Already staged actions stay pending.
func (g *Gate) SetEnabled(ctx context.Context, on bool) {
	if g.enabled.Swap(on) == on {
		return
	}
	g.logger.Info("shadow mode toggled", "enabled", on)
	g.publish(ctx, domain.TopicShadowToggled, map[string]bool{"enabled": on})
}

// OnResolved registers a listener for resolved actions and returns a
// function that removes it.
func (g *Gate) OnResolved(fn Listener) func() {
	id := g.nextID.Add(1)
	g.mu.Lock()
	g.listeners = append(g.listeners, listenerEntry{id: id, fn: fn})
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.listeners = slices.DeleteFunc(g.listeners, func(l listenerEntry) bool { return l.id == id })
	}
}

// Stage records a pending action and returns at once.
func (g *Gate) Stage(ctx context.Context, agentID string, kind domain.ActionKind, summary string, payload json.RawMessage) (domain.ShadowAction, error) {
	if !kind.Valid() {
		return domain.ShadowAction{}, domain.NewDomainError("Gate.Stage", domain.ErrInvalidInput, fmt.Sprintf("unknown action kind %q", kind))
	}
	if !json.Valid(payload) {
		return domain.ShadowAction{}, domain.NewDomainError("Gate.Stage", domain.ErrInvalidInput, "payload is not valid JSON")
	}

	action := &domain.ShadowAction{
		ID:        ulid.Make().String(),
		AgentID:   agentID,
		Kind:      kind,
		Summary:   summary,
		Payload:   payload,
		CreatedAt: g.now(),
		Status:    domain.ActionPending,
	}

	g.mu.Lock()
	g.actions[action.ID] = action
	snap := cloneAction(action)
	g.mu.Unlock()

	if err := g.persist(ctx, snap); err != nil {
		g.mu.Lock()
		delete(g.actions, action.ID)
		g.mu.Unlock()
		return domain.ShadowAction{}, err
	}

	g.logger.InfoContext(ctx, "action staged",
		"action", snap.ID,
		"agent", agentID,
		"kind", kind,
		"summary", summary,
	)
	g.publish(ctx, domain.TopicActionStaged, snap)
	return snap, nil
}

// claim moves a pending action to status under the lock. It is the single
// point that decides which of several concurrent decisions wins.
func (g *Gate) claim(op, id string, status domain.ActionStatus, edited json.RawMessage) (domain.ShadowAction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.actions[id]
	if !ok {
		return domain.ShadowAction{}, domain.NewDomainError(op, domain.ErrUnknownAction, id)
	}
	if a.Status != domain.ActionPending {
		return domain.ShadowAction{}, domain.NewDomainError(op, domain.ErrInvalidActionState,
			fmt.Sprintf("action %s is %s", id, a.Status))
	}
	if len(edited) > 0 {
		a.Edit = &domain.ActionEdit{OriginalPayload: a.Payload, EditedAt: g.now()}
		a.Payload = edited
	}
	a.Status = status
	if status == domain.ActionRejected {
		now := g.now()
		a.ResolvedAt = &now
	}
	return cloneAction(a), nil
}

// editOrNil maps an absent, blank or JSON null edit to no edit.
func editOrNil(edited json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(edited)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}

// Approve executes a pending action, optionally replacing its payload with
// edited first. The returned action carries the executed or failed outcome;
// a failed effect is not an error of Approve itself.
func (g *Gate) Approve(ctx context.Context, id string, edited json.RawMessage) (domain.ShadowAction, error) {
	edited = editOrNil(edited)
	ctx, span := tracer.StartSpan(ctx, "shadow.approve",
		trace.WithAttributes(
			tracer.StringAttr("action.id", id),
			tracer.BoolAttr("action.edited", len(edited) > 0),
		),
	)
	defer span.End()

	if len(edited) > 0 && !json.Valid(edited) {
		err := domain.NewDomainError("Gate.Approve", domain.ErrInvalidInput, "edited payload is not valid JSON")
		tracer.RecordError(span, err)
		return domain.ShadowAction{}, err
	}

	action, err := g.claim("Gate.Approve", id, domain.ActionApproved, edited)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.ShadowAction{}, err
	}
	if err := g.persist(ctx, action); err != nil {
		g.logger.Warn("persist approved action failed", "action", id, "error", err)
	}

	// The effect belongs to the agent, not to the reviewer's connection.
	ectx := domain.ContextWithAgentID(context.WithoutCancel(ctx), action.AgentID)
	out, applyErr := g.effects.Apply(ectx, action.Kind, action.Payload)

	g.mu.Lock()
	a := g.actions[id]
	now := g.now()
	a.ResolvedAt = &now
	if applyErr != nil {
		a.Status = domain.ActionFailed
		a.Error = applyErr.Error()
		a.Result = out
	} else {
		a.Status = domain.ActionExecuted
		a.Result = out
	}
	final := cloneAction(a)
	g.mu.Unlock()

	if applyErr != nil {
		tracer.RecordError(span, applyErr)
		g.logger.WarnContext(ctx, "approved action failed", "action", id, "agent", final.AgentID, "error", applyErr)
	} else {
		tracer.SetOK(span)
		g.logger.InfoContext(ctx, "approved action executed", "action", id, "agent", final.AgentID, "edited", final.Edit != nil)
	}
	g.resolve(ctx, final, applyErr)
	return final, nil
}

// Reject marks a pending action rejected. Its effect never runs.
func (g *Gate) Reject(ctx context.Context, id string) (domain.ShadowAction, error) {
	action, err := g.claim("Gate.Reject", id, domain.ActionRejected, nil)
	if err != nil {
		return domain.ShadowAction{}, err
	}
	action.Error = domain.ErrApprovalRejected.Error()
	g.mu.Lock()
	g.actions[id].Error = action.Error
	g.mu.Unlock()

	g.logger.Info("action rejected", "action", id, "agent", action.AgentID)
	g.resolve(ctx, action, domain.ErrApprovalRejected)
	return action, nil
}

func (g *Gate) resolve(ctx context.Context, action domain.ShadowAction, err error) {
	if perr := g.persist(ctx, action); perr != nil {
		g.logger.Warn("persist resolved action failed", "action", action.ID, "error", perr)
	}
	g.publish(ctx, domain.TopicActionResolved, action)

	g.mu.Lock()
	listeners := slices.Clone(g.listeners)
	g.mu.Unlock()
	lctx := context.WithoutCancel(ctx)
	for _, l := range listeners {
		l.fn(lctx, action, err)
	}
}

// Get returns one action by id.
func (g *Gate) Get(id string) (domain.ShadowAction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.actions[id]
	if !ok {
		return domain.ShadowAction{}, domain.NewDomainError("Gate.Get", domain.ErrUnknownAction, id)
	}
	return cloneAction(a), nil
}

// Pending returns the pending actions, most recent first.
func (g *Gate) Pending() []domain.ShadowAction {
	return g.snapshot(func(a *domain.ShadowAction) bool { return a.Status == domain.ActionPending })
}

// History returns every retained action, most recent first.
func (g *Gate) History() []domain.ShadowAction {
	return g.snapshot(func(*domain.ShadowAction) bool { return true })
}

func (g *Gate) snapshot(keep func(*domain.ShadowAction) bool) []domain.ShadowAction {
	g.mu.Lock()
	out := make([]domain.ShadowAction, 0, len(g.actions))
	for _, a := range g.actions {
		if keep(a) {
			out = append(out, cloneAction(a))
		}
	}
	g.mu.Unlock()

	slices.SortFunc(out, func(a, b domain.ShadowAction) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	return out
}

// Prune drops terminal actions resolved more than olderThan ago and returns
// how many were removed.
func (g *Gate) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := g.now().Add(-olderThan)

	g.mu.Lock()
	var ids []string
	for id, a := range g.actions {
		if a.Status.Terminal() && a.ResolvedAt != nil && a.ResolvedAt.Before(cutoff) {
			ids = append(ids, id)
			delete(g.actions, id)
		}
	}
	g.mu.Unlock()

	var errs []error
	if g.store != nil {
		for _, id := range ids {
			if err := g.store.Delete(ctx, domain.ShadowActionKey(id)); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(ids) > 0 {
		g.logger.Info("pruned shadow actions", "count", len(ids))
	}
	return len(ids), errors.Join(errs...)
}

// Restore reloads persisted actions. Actions left approved by a crash before
// their effect finished are marked failed, since it is unknown whether the
// effect ran.
func (g *Gate) Restore(ctx context.Context) (int, error) {
	if g.store == nil {
		return 0, nil
	}
	keys, err := g.store.List(ctx, domain.ShadowActionKey(""))
	if err != nil {
		return 0, fmt.Errorf("list shadow actions: %w", err)
	}

	n := 0
	for _, key := range keys {
		data, err := g.store.Get(ctx, key)
		if err != nil {
			g.logger.Warn("skip unreadable shadow action", "key", key, "error", err)
			continue
		}
		var a domain.ShadowAction
		if err := json.Unmarshal(data, &a); err != nil {
			g.logger.Warn("skip corrupt shadow action", "key", key, "error", err)
			continue
		}
		if a.Status == domain.ActionApproved {
			now := g.now()
			a.Status = domain.ActionFailed
			a.Error = "interrupted before the effect completed"
			a.ResolvedAt = &now
			if err := g.persist(ctx, a); err != nil {
				g.logger.Warn("persist interrupted action failed", "action", a.ID, "error", err)
			}
		}
		g.mu.Lock()
		g.actions[a.ID] = &a
		g.mu.Unlock()
		n++
	}
	return n, nil
}

func (g *Gate) persist(ctx context.Context, a domain.ShadowAction) error {
	if g.store == nil {
		return nil
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode action %s: %w", a.ID, err)
	}
	if err := g.store.Put(ctx, domain.ShadowActionKey(a.ID), data); err != nil {
		return fmt.Errorf("persist action %s: %w", a.ID, err)
	}
	return nil
}

func (g *Gate) publish(ctx context.Context, topic string, payload any) {
	if g.bus == nil {
		return
	}
	if err := g.bus.Publish(ctx, topic, payload); err != nil {
		g.logger.Debug("publish failed", "topic", topic, "error", err)
	}
}

func cloneAction(a *domain.ShadowAction) domain.ShadowAction {
	c := *a
	if a.Edit != nil {
		e := *a.Edit
		c.Edit = &e
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		c.ResolvedAt = &t
	}
	return c
}

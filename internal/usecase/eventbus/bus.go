package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"agentswarm/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

type responder struct {
	id      uint64
	handler domain.RequestHandler
}

// Bus is an in-process, goroutine-safe event bus with request-reply.
type Bus struct {
	mu         sync.RWMutex
	topics     map[string][]subscription
	allSubs    []subscription
	responders map[string]responder
	nextID     atomic.Uint64
	logger     *slog.Logger
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		topics:     make(map[string][]subscription),
		responders: make(map[string]responder),
		logger:     logger,
	}
}

func encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

func (b *Bus) newEvent(ctx context.Context, topic string, payload any) (domain.Event, error) {
	data, err := encode(payload)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{
		Topic:     topic,
		Origin:    domain.AgentIDFromContext(ctx),
		Timestamp: time.Now(),
		Payload:   data,
	}, nil
}

// Publish fans out an event to topic subscribers and all-event subscribers.
// Each handler is invoked in its own goroutine. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, topic string, payload any) error {
	if b.closed.Load() {
		return domain.ErrBusClosed
	}
	event, err := b.newEvent(ctx, topic, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	allSubs := make([]subscription, len(b.allSubs))
	copy(allSubs, b.allSubs)
	b.mu.RUnlock()

	// Handlers outlive the publisher's request scope.
	hctx := context.WithoutCancel(ctx)
	for _, sub := range subs {
		b.dispatch(hctx, event, sub)
	}
	for _, sub := range allSubs {
		b.dispatch(hctx, event, sub)
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"topic", event.Topic,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for a specific topic.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.topics[topic]
		for i, s := range subs {
			if s.id == id {
				b.topics[topic] = append(subs[:i], subs[i+1:]...)
				if len(b.topics[topic]) == 0 {
					delete(b.topics, topic)
				}
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every published event.
// Request-reply traffic is not mirrored to these subscribers.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Handle registers the request handler for a topic. A topic has at most one
// handler; registering a second returns ErrDuplicate. The returned function
// unregisters the handler.
func (b *Bus) Handle(topic string, handler domain.RequestHandler) (func(), error) {
	if b.closed.Load() {
		return nil, domain.ErrBusClosed
	}
	id := b.nextID.Add(1)

	b.mu.Lock()
	if _, exists := b.responders[topic]; exists {
		b.mu.Unlock()
		return nil, domain.NewDomainError("Bus.Handle", domain.ErrDuplicate, topic)
	}
	b.responders[topic] = responder{id: id, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if r, ok := b.responders[topic]; ok && r.id == id {
			delete(b.responders, topic)
		}
	}, nil
}

// HasHandler reports whether a request handler is registered for topic.
func (b *Bus) HasHandler(topic string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.responders[topic]
	return ok
}

type reply struct {
	data json.RawMessage
	err  error
}

// Request sends payload to the topic's handler and waits for its single reply,
// or for ctx to end. A handler error is returned as-is.
func (b *Bus) Request(ctx context.Context, topic string, payload any) (json.RawMessage, error) {
	if b.closed.Load() {
		return nil, domain.ErrBusClosed
	}
	b.mu.RLock()
	r, ok := b.responders[topic]
	b.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("Bus.Request", domain.ErrNoHandler, topic)
	}

	event, err := b.newEvent(ctx, topic, payload)
	if err != nil {
		return nil, err
	}

	done := make(chan reply, 1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				b.logger.Error("request handler panicked",
					"topic", topic,
					"panic", rec,
				)
				done <- reply{err: fmt.Errorf("handler for %s panicked: %v", topic, rec)}
			}
		}()
		data, err := r.handler(ctx, event)
		done <- reply{data: data, err: err}
	}()

	select {
	case rep := <-done:
		return rep.data, rep.err
	case <-ctx.Done():
		return nil, fmt.Errorf("request %s: %w", topic, ctx.Err())
	}
}

// Close prevents new publishes and requests and waits for all in-flight
// handlers to finish. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

// Package events implements the process-wide event bus (spec §5/§6):
// a synchronous, best-effort fan-out with no buffering and no durable
// delivery guarantee. Subscribers that panic or error never affect
// the emitting call, and emission always happens after a successful
// commit, never inside one.
package events

import (
	"context"
	"sync"

	"github.com/cawhq/caw/pkg/logger"
)

// Event type constants spec §6 enumerates.
const (
	TypeWorkflowStatus    = "workflow:status"
	TypeTaskUpdated       = "task:updated"
	TypeAgentHeartbeat    = "agent:heartbeat"
	TypeAgentRegistered   = "agent:registered"
	TypeAgentUnregistered = "agent:unregistered"
	TypeMessageNew        = "message:new"
)

// ChannelGlobal is the channel every event is also published to.
const ChannelGlobal = "global"

// Event is one notification dispatched through the bus.
type Event struct {
	Type       string
	Data       any
	WorkflowID *string
	AgentID    *string
}

// Subscriber receives events published to a channel it subscribed to.
type Subscriber func(Event)

// Bus is a mutex-protected, in-process subscriber registry. The zero
// value is not usable; construct with New.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string][]Subscriber)}
}

// Subscribe registers fn against channel and returns a function that
// removes it.
func (b *Bus) Subscribe(channel string, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
	index := len(b.subscribers[channel]) - 1

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subscribers[channel]
			if index < len(subs) {
				subs[index] = nil
			}
		})
	}
}

// Emit dispatches evt to the global channel plus the workflow/agent
// channels its fields derive, synchronously and under a
// try/ignore-errors discipline: a subscriber panic is recovered and
// logged, never propagated to the caller.
func (b *Bus) Emit(ctx context.Context, evt Event) {
	channels := []string{ChannelGlobal}
	if evt.WorkflowID != nil {
		channels = append(channels, "workflow:"+*evt.WorkflowID)
	}
	if evt.AgentID != nil {
		channels = append(channels, "agent:"+*evt.AgentID)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, channel := range channels {
		for _, sub := range b.subscribers[channel] {
			if sub == nil {
				continue
			}
			dispatch(ctx, sub, evt)
		}
	}
}

func dispatch(ctx context.Context, sub Subscriber, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Warn("event subscriber panicked", "type", evt.Type, "recover", r)
		}
	}()
	sub(evt)
}

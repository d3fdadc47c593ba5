/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package platform

import (
	"context"
	"sync"
)

// EvUpdateMispAlertArtifact signals that MISP sourced alerts with empty
// artifact arrays should be re-populated from their source instances.
const EvUpdateMispAlertArtifact = `UpdateMispAlertArtifact`

// Event is a domain event published on the bus.
type Event struct {
	Kind    string
	Payload interface{}
}

// Handler consumes one event. Handlers run on their own goroutine and must
// honor ctx cancellation.
type Handler func(ctx context.Context, evt Event)

// EventBus is a minimal in-process publish/subscribe dispatcher keyed by
// event kind.
type EventBus struct {
	mtx  sync.RWMutex
	subs map[string][]Handler
	wg   sync.WaitGroup
}

func NewEventBus() *EventBus {
	return &EventBus{
		subs: map[string][]Handler{},
	}
}

// Subscribe registers a handler for the given event kind.
func (b *EventBus) Subscribe(kind string, h Handler) {
	if h == nil {
		return
	}
	b.mtx.Lock()
	b.subs[kind] = append(b.subs[kind], h)
	b.mtx.Unlock()
}

// Publish dispatches the event to every subscriber of its kind, each on its
// own goroutine.
func (b *EventBus) Publish(ctx context.Context, evt Event) {
	b.mtx.RLock()
	handlers := b.subs[evt.Kind]
	b.mtx.RUnlock()
	for _, h := range handlers {
		b.wg.Add(1)
		go func(h Handler) {
			defer b.wg.Done()
			h(ctx, evt)
		}(h)
	}
}

// Wait blocks until all in-flight handlers complete.
func (b *EventBus) Wait() {
	b.wg.Wait()
}

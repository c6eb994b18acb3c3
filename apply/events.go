// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package apply

import (
	"sync"
	"time"
)

// EventType identifies a service notification.
type EventType int

const (
	// EventChangeApplied fires after a successful mutation.
	EventChangeApplied EventType = iota

	// EventConflictDetected fires when a conflict aborts an apply.
	EventConflictDetected

	// EventChangeUndone fires after a successful undo.
	EventChangeUndone
)

// String returns the string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventChangeApplied:
		return "change_applied"
	case EventConflictDetected:
		return "conflict_detected"
	case EventChangeUndone:
		return "change_undone"
	default:
		return "unknown"
	}
}

// Event is a typed service notification.
type Event struct {
	// Type identifies the notification.
	Type EventType

	// Path is the affected workspace path.
	Path string

	// RecordID identifies the related history record, if any.
	RecordID string

	// Time is when the event was emitted.
	Time time.Time
}

// Notifier fans typed events out to channel subscribers.
//
// # Description
//
// Subscribers register buffered channels; the apply path pushes
// events into every channel without blocking, so a slow subscriber
// loses events rather than stalling a write.
//
// # Thread Safety
//
// Safe for concurrent use.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe registers a buffered event channel.
//
// # Outputs
//
//   - <-chan Event: The subscription channel.
//   - func(): Cancels the subscription and closes the channel.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	n.mu.Lock()
	id := n.next
	n.next++
	ch := make(chan Event, buffer)
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (n *Notifier) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- event:
		default:
			// Subscriber is not keeping up; drop rather than stall.
		}
	}
}

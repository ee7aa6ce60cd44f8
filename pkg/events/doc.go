/*
Package events provides an in-memory event broker for the cluster
resource manager's pub/sub messaging.

The events package implements a lightweight event bus for broadcasting
cluster events to interested subscribers. It supports broadcast-to-all
subscriptions with asynchronous event delivery, enabling loose coupling
between components for state changes, notifications, and monitoring.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │              Event Broker                   │          │
	│  │  - In-memory message bus                    │          │
	│  │  - Topic-agnostic (all events broadcast)    │          │
	│  │  - Buffered publish (waits when full)       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          Event Distribution                 │          │
	│  │                                              │          │
	│  │  Publisher → Event Channel (buffer: 100)    │          │
	│  │       ↓                                      │          │
	│  │  Broadcast Loop                              │          │
	│  │       ↓                                      │          │
	│  │  Subscriber Channels (buffer: 50 each)      │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Event Types                       │          │
	│  │                                              │          │
	│  │  Peer events:                               │          │
	│  │    - peer.joined, peer.lost, peer.reaped    │          │
	│  │    - peer.join_phase_changed                │          │
	│  │                                              │          │
	│  │  Graph events:                              │          │
	│  │    - graph.started, graph.completed         │          │
	│  │    - graph.aborted, action.failed           │          │
	│  │                                              │          │
	│  │  CIB events:                                │          │
	│  │    - cib.recompute_requested                │          │
	│  │                                              │          │
	│  │  Fencing events:                            │          │
	│  │    - fencing.queued, fencing.succeeded      │          │
	│  │    - fencing.failed                         │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Subscribers                      │          │
	│  │                                              │          │
	│  │  Reconciler: react to peer/recompute events │          │
	│  │  (the only subscriber in this repository)   │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Event Broker:
  - Central message bus for event distribution
  - Manages subscriber lifecycle
  - Buffered publish (100 events; Publish waits while the buffer is full)
  - Graceful shutdown via stop channel

Event:
  - ID: Unique event identifier
  - Type: Event type (peer.joined, graph.aborted, etc.)
  - Timestamp: When event occurred
  - Message: Human-readable description
  - Metadata: Key-value pairs for additional context

Subscriber:
  - Channel that receives Event pointers
  - Buffered (50 events) to handle bursts
  - Created via broker.Subscribe()
  - Closed via broker.Unsubscribe()

# Event Flow

Publish Flow:
 1. Publisher calls broker.Publish(event)
 2. Event added to main event channel (waits while it is full; gives up if the broker stops)
 3. Broadcast loop receives event
 4. Event sent to all subscriber channels
 5. Subscribers receive event asynchronously
 6. Full subscriber buffers skip (no blocking)

Subscribe Flow:
 1. Subscriber calls broker.Subscribe()
 2. New buffered channel created
 3. Channel registered in subscriber map
 4. Subscriber channel returned
 5. Subscriber receives events via channel
 6. Subscriber processes events in own goroutine

Unsubscribe Flow:
 1. Subscriber calls broker.Unsubscribe(channel)
 2. Channel removed from subscriber map
 3. Channel closed
 4. Subscriber stops receiving events

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventPeerLost:
				handlePeerLost(event)
			case events.EventFencingFailed:
				handleFencingFailed(event)
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventGraphAborted,
		Message: "graph g-123 aborted: higher-priority graph superseded it",
		Metadata: map[string]string{
			"graph_id": "g-123",
		},
	})

# Event Types Catalog

Peer events:

Every event in this repository is published by pkg/manager, on the DC
only, with the subject in Message and no Metadata.

EventPeerReaped:
  - Published when: a dirty peer is removed from the cache after the reap
    window. Message: the peer name

EventJoinPhaseChanged:
  - Published when: the peer cache reports any other status change for a
    peer (including one going dirty). Message: the peer name

EventPeerJoined / EventPeerLost:
  - Defined, and recompute triggers for the reconciler; nothing publishes
    them

Graph events:

EventGraphCompleted / EventGraphAborted:
  - Published when: the transition engine reports a graph finished or
    aborted. Message: the graph id

EventGraphStarted / EventActionFailed:
  - Defined; nothing publishes them

CIB events:

EventRecomputeRequested:
  - Published by Manager.RequestRecompute after it records the
    last-lrm-refresh attribute. Message: the reason

Fencing events:

EventFencingQueued / EventFencingSucceeded / EventFencingFailed:
  - Defined; nothing publishes them

# Design Patterns

Buffered Publish:
  - Publish sends to a buffered channel (100 events)
  - Returns once the event is queued, waiting while the buffer is full
  - Returns without queuing the event once the broker has been stopped
  - Events are dropped only at delivery, for subscribers whose own buffer is full

Fan-Out Pattern:
  - Single event broadcast to all subscribers
  - Each subscriber gets own channel
  - Full buffers skip to prevent blocking

Fire-and-Forget:
  - No acknowledgment from subscribers
  - No retry on delivery failure
  - Suitable for monitoring, not for correctness-critical signaling —
    the reconciler's recompute trigger is also written to the CIB
    (see pkg/reconciler) so it survives a dropped event.

# Best Practices

Do:
  - Always defer broker.Unsubscribe(sub)
  - Process events asynchronously in goroutine
  - Filter events by type at subscriber

Don't:
  - Block in subscriber event loop
  - Publish events before broker.Start()
  - Rely on event delivery alone for state that must persist across restarts

# See Also

  - pkg/reconciler for event-driven recompute triggers
  - pkg/manager, which publishes every event listed above
*/
package events

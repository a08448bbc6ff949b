// Package progress implements the run progress bus and run registry
// (§4.8): a single multi-producer, single-consumer queue of events per
// run, plus a shared, mutex-guarded registry of run handles.
package progress

import (
	"github.com/dataset-eval/harness/pkg/models"
)

// DefaultBufferSize is the channel capacity used when a caller doesn't
// specify one, matching the teacher's ObserverManager default
// (internal/application/observer/manager.go).
const DefaultBufferSize = 100

// Bus is one run's event queue. Producers call Emit from any number of
// goroutines; a single consumer drains Events() until it sees the
// sentinel closed-channel signal.
type Bus struct {
	events chan models.Event
	done   chan struct{}
}

// NewBus creates a bus with the given channel capacity (0 defaults to
// DefaultBufferSize).
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		events: make(chan models.Event, bufferSize),
		done:   make(chan struct{}),
	}
}

// Emit publishes an event. The send is non-blocking and panic-safe,
// mirroring ObserverManager.notifyObserver's recovery wrapper — a full
// queue or a closed bus never blocks or crashes the caller.
func (b *Bus) Emit(event models.Event) {
	defer func() {
		recover() //nolint:errcheck
	}()

	select {
	case <-b.done:
		return
	default:
	}

	select {
	case b.events <- event:
	default:
		// Queue full: drop rather than block the critic loop that
		// produced this event. Progress events are best-effort.
	}
}

// Events returns the channel consumers drain. It is closed once Close
// is called and all buffered events have been read.
func (b *Bus) Events() <-chan models.Event {
	return b.events
}

// Close signals no more events will be emitted and closes the event
// channel, the sentinel that ends a consumer's read loop.
func (b *Bus) Close() {
	defer func() {
		recover() //nolint:errcheck
	}()
	select {
	case <-b.done:
		return
	default:
		close(b.done)
		close(b.events)
	}
}

// Package events implements the protocol engine's publish/subscribe
// point: a single producer (the flasher and serialport packages) broadcasts
// annotated wire-level events to zero or more observers.
package events

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Kind is the closed set of event variants the bus carries.
type Kind int

const (
	Reset Kind = iota
	SerialRead
	SerialWrite
	SerialLine
	SlipRead
	SlipWrite
	Command
	CommandTimeout
	Response
	InvalidResponse
)

func (k Kind) String() string {
	switch k {
	case Reset:
		return "Reset"
	case SerialRead:
		return "SerialRead"
	case SerialWrite:
		return "SerialWrite"
	case SerialLine:
		return "SerialLine"
	case SlipRead:
		return "SlipRead"
	case SlipWrite:
		return "SlipWrite"
	case Command:
		return "Command"
	case CommandTimeout:
		return "CommandTimeout"
	case Response:
		return "Response"
	case InvalidResponse:
		return "InvalidResponse"
	default:
		return "Unknown"
	}
}

// Event is one point on the bus. Data holds the raw bytes involved, if
// any (the chunk read or written, the SLIP frame, the command packet or
// response frame); Text holds a free-form description (an opcode name,
// a decode error, or the received line for SerialLine).
type Event struct {
	Time time.Time
	Kind Kind
	Data []byte
	Text string
}

// Handle identifies a registered observer for later removal.
type Handle int

// Bus is a single-producer, N-observer broadcast point. The zero value
// is ready to use. Safe for concurrent Emit/Register/Remove, though
// the protocol engine itself is single-threaded and never calls Emit
// concurrently.
type Bus struct {
	mu      sync.Mutex
	next    Handle
	entries []entry
}

type entry struct {
	handle   Handle
	observer Observer
}

// Observer receives events in registration order. It must not call
// back into the session that owns the bus (no re-entrancy).
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Register appends an observer and returns a handle for Remove.
func (b *Bus) Register(o Observer) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	h := b.next
	b.entries = append(b.entries, entry{handle: h, observer: o})
	return h
}

// Remove drops the observer registered under h, if still present.
func (b *Bus) Remove(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.entries {
		if e.handle == h {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return
		}
	}
}

// Emit stamps an event with the current time and notifies every
// registered observer synchronously, in registration order. A fault
// raised by an observer is the caller's problem: Notify does not
// recover panics.
func (b *Bus) Emit(kind Kind, text string, data []byte) {
	e := Event{Time: time.Now(), Kind: kind, Text: text, Data: data}
	b.mu.Lock()
	observers := make([]Observer, len(b.entries))
	for i, entry := range b.entries {
		observers[i] = entry.observer
	}
	b.mu.Unlock()
	for _, o := range observers {
		o.Notify(e)
	}
}

// Collector appends every notified event to an in-memory slice.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Notify(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Drain returns every collected event so far and clears the collector.
func (c *Collector) Drain() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.events
	c.events = nil
	return out
}

// Tracer writes one human-readable line per event matching Predicate,
// prefixed by the elapsed time since the previously traced emission.
type Tracer struct {
	Out       io.Writer
	Predicate func(Event) bool

	mu   sync.Mutex
	last time.Time
}

func (t *Tracer) Notify(e Event) {
	if t.Predicate != nil && !t.Predicate(e) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var elapsed time.Duration
	if !t.last.IsZero() {
		elapsed = e.Time.Sub(t.last)
	}
	t.last = e.Time
	if len(e.Data) > 0 {
		fmt.Fprintf(t.Out, "+%-8s %-15s % x %s\n", elapsed, e.Kind, e.Data, e.Text)
	} else {
		fmt.Fprintf(t.Out, "+%-8s %-15s %s\n", elapsed, e.Kind, e.Text)
	}
}

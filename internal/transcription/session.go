package transcription

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ymgong66966/restaurant-order-verifier/internal/order"
	"github.com/ymgong66966/restaurant-order-verifier/internal/pipeline"
)

// EventKind identifies a transcription event.
type EventKind string

const (
	EventPartial          EventKind = "partial"
	EventFinal            EventKind = "final"
	EventError            EventKind = "error"
	EventCancelled        EventKind = "cancelled"
	EventPermissionDenied EventKind = "permission_denied"
)

// Terminal reports whether the kind ends a session.
func (k EventKind) Terminal() bool {
	return k != EventPartial
}

// Event is one update from a transcription session. A session emits zero or
// more partial events followed by exactly one terminal event, after which its
// Events channel is closed.
type Event struct {
	SessionID     string       `json:"session_id"`
	Seq           int          `json:"seq"`
	Kind          EventKind    `json:"kind"`
	Text          string       `json:"text,omitempty"`
	Items         []order.Item `json:"items,omitempty"`
	ItemsDetected bool         `json:"items_detected,omitempty"`
	Err           error        `json:"-"`
	Error         string       `json:"error,omitempty"`
	Time          time.Time    `json:"time"`
}

// Terminal reports whether the event ends its session.
func (e Event) Terminal() bool {
	return e.Kind.Terminal()
}

// Mode names a session implementation.
type Mode string

const (
	ModeText      Mode = "text"      // batch transcript
	ModeItems     Mode = "items"     // batch item extraction
	ModeStreaming Mode = "streaming" // live frames with partial results
)

// Session is the contract shared by batch and streaming transcription.
//
// Start must be called once. Write feeds audio: a finished WAV payload for batch
// sessions, native frames for streaming ones. Finish ends the input. Cancel may
// be called at any time and any number of times; once it returns no further
// events are delivered except the single cancelled terminal, and after a
// terminal event it does nothing. A session that is never started still holds
// its event pump until cancelled. Consumers must drain Events until it is
// closed, or use Deliver.
type Session interface {
	ID() string
	Mode() Mode
	Start(ctx context.Context) error
	Write(p []byte) error
	Finish() error
	Cancel()
	Events() <-chan Event
}

// Authorizer decides whether transcription may begin. Returning a
// pipeline.KindPermission error denies it.
type Authorizer interface {
	Authorize(ctx context.Context) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context) error

func (f AuthorizerFunc) Authorize(ctx context.Context) error {
	return f(ctx)
}

var (
	errAlreadyStarted = errors.New("session already started")
	errNotStarted     = errors.New("session not started")
	errFinished       = errors.New("session input already finished")
	errTerminated     = errors.New("session already terminated")
)

// emitter serialises events for one session. Producers never block; a single
// pump goroutine hands events to the consumer in order.
type emitter struct {
	sessionID string
	out       chan Event

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []Event
	seq        int
	terminated bool

	cancelled chan struct{}
	sendMu    sync.Mutex
	terminal  chan struct{}
}

func newEmitter(sessionID string) *emitter {
	e := &emitter{
		sessionID: sessionID,
		out:       make(chan Event),
		cancelled: make(chan struct{}),
		terminal:  make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.pump()
	return e
}

func (e *emitter) events() <-chan Event {
	return e.out
}

// done is closed once a terminal event has been accepted.
func (e *emitter) done() <-chan struct{} {
	return e.terminal
}

func (e *emitter) isTerminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminated
}

// partial queues a non-terminal event. It is dropped after a terminal.
func (e *emitter) partial(ev Event) bool {
	ev.Kind = EventPartial

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated {
		return false
	}
	e.enqueueLocked(ev)
	return true
}

// finish queues the terminal event. Only the first terminal wins.
func (e *emitter) finish(ev Event) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminated {
		return false
	}
	e.terminated = true
	e.enqueueLocked(ev)
	close(e.terminal)
	return true
}

// fail queues an error or permission terminal built from err.
func (e *emitter) fail(err error) bool {
	kind := EventError
	if pipeline.IsKind(err, pipeline.KindPermission) {
		kind = EventPermissionDenied
	}
	return e.finish(Event{Kind: kind, Err: err, Error: err.Error()})
}

// cancel discards undelivered partial events and ends the session with a
// cancelled event. It returns false when a terminal was already accepted.
func (e *emitter) cancel() bool {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return false
	}
	e.terminated = true
	e.queue = nil
	e.mu.Unlock()

	// Abandon any partial send in flight and wait for the pump to let go of it.
	close(e.cancelled)
	e.sendMu.Lock()
	e.sendMu.Unlock()

	e.mu.Lock()
	e.enqueueLocked(Event{Kind: EventCancelled})
	close(e.terminal)
	e.mu.Unlock()

	return true
}

func (e *emitter) enqueueLocked(ev Event) {
	e.seq++
	ev.SessionID = e.sessionID
	ev.Seq = e.seq
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.queue = append(e.queue, ev)
	e.cond.Signal()
}

func (e *emitter) pump() {
	defer close(e.out)

	for {
		e.mu.Lock()
		for len(e.queue) == 0 {
			e.cond.Wait()
		}
		ev := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		if ev.Terminal() {
			e.out <- ev
			return
		}

		e.sendMu.Lock()
		select {
		case <-e.cancelled:
		default:
			select {
			case e.out <- ev:
			case <-e.cancelled:
			}
		}
		e.sendMu.Unlock()
	}
}

// Deliver runs handler for every event of s on the calling goroutine and
// returns the terminal event. If ctx ends first the session is cancelled.
func Deliver(ctx context.Context, s Session, handler func(Event)) (Event, error) {
	events := s.Events()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return Event{}, errTerminated
			}
			if handler != nil {
				handler(ev)
			}
			if ev.Terminal() {
				return ev, nil
			}

		case <-ctx.Done():
			s.Cancel()
			var last Event
			for ev := range events {
				last = ev
			}
			return last, ctx.Err()
		}
	}
}

// Await waits for the terminal event and returns its error, if any.
func Await(ctx context.Context, s Session) (Event, error) {
	ev, err := Deliver(ctx, s, nil)
	if err != nil {
		return ev, err
	}

	switch ev.Kind {
	case EventFinal:
		return ev, nil
	case EventCancelled:
		return ev, context.Canceled
	default:
		return ev, ev.Err
	}
}

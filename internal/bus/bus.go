// Package bus provides the observability tap that internal/conductor
// publishes to and internal/ui reads from: a fan-out channel of lifecycle
// events, independent of the scheduler's observations map (spec.md §5
// "the observations map ... that is the scheduler's ... transport").
package bus

import (
	"log"
	"sync"
	"time"
)

const (
	subscriberBufSize = 64
	tapBufSize        = 256
)

// Kind labels the lifecycle stage an Event reports on.
type Kind string

const (
	KindRunBegin    Kind = "run_begin"
	KindRunEnd      Kind = "run_end"
	KindPlanBegin   Kind = "plan_begin"
	KindTaskParsed  Kind = "task_parsed"
	KindTaskDone    Kind = "task_done"
	KindReplan      Kind = "replan"
	KindFinalAnswer Kind = "final_answer"
)

// Event is the envelope published on the Bus. Payload carries kind-specific
// detail (e.g. a task.Task for KindTaskParsed, a convo.FunctionMessage for
// KindTaskDone) and is only ever consumed by observability taps — never by
// the scheduler or conductor's control flow.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	RunID     string
	Payload   any
}

// Bus is the observable event bus. Multiple consumers (e.g. the UI) can
// each register their own tap channel via NewTap.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Kind][]chan Event
	taps        []chan Event
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[Kind][]chan Event)}
}

// Publish fans out evt to all subscribers of evt.Kind and to every tap
// channel. Non-blocking: a full channel drops the event with a warning
// rather than blocking the publisher.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	subs := b.subscribers[evt.Kind]
	taps := b.taps
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			log.Printf("[BUS] WARNING: subscriber channel full for kind=%s — event dropped", evt.Kind)
		}
	}
	for _, tap := range taps {
		select {
		case tap <- evt:
		default:
			log.Printf("[BUS] WARNING: tap channel full — event dropped kind=%s", evt.Kind)
		}
	}
}

// Subscribe returns a receive-only channel that delivers events of kind k.
// Each call creates a new independent subscriber channel.
func (b *Bus) Subscribe(k Kind) <-chan Event {
	ch := make(chan Event, subscriberBufSize)
	b.mu.Lock()
	b.subscribers[k] = append(b.subscribers[k], ch)
	b.mu.Unlock()
	return ch
}

// NewTap registers and returns a new read-only tap channel that receives
// every published event, regardless of kind.
func (b *Bus) NewTap() <-chan Event {
	ch := make(chan Event, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}

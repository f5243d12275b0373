package hostfunc

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

const DefaultEventBuffer = 64

type Event struct {
	Topic string
	Data  any
}

// EventBus is a topic-keyed broadcast. Every subscription of a topic gets
// its own copy of each event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

func NewEventBus(buffer int) *EventBus {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &EventBus{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

func (b *EventBus) Subscribe(topics ...string) *Subscription {
	s := &Subscription{
		bus:    b,
		topics: topics,
		ch:     make(chan Event, b.buffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	for _, t := range topics {
		set, ok := b.subs[t]
		if !ok {
			set = make(map[*Subscription]struct{})
			b.subs[t] = set
		}
		set[s] = struct{}{}
	}
	b.mu.Unlock()
	return s
}

// Emit delivers data to the current subscribers of topic without waiting
// for any of them. A subscriber whose buffer is full misses the event.
// It returns the number of subscribers reached.
func (b *EventBus) Emit(topic string, data any) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for s := range b.subs[topic] {
		select {
		case s.ch <- Event{Topic: topic, Data: cloneValue(data)}:
			n++
		default:
			Logger().Warn("event dropped, subscriber buffer full", zap.String("topic", topic))
		}
	}
	return n
}

func (b *EventBus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range s.topics {
		set := b.subs[t]
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, t)
		}
	}
}

// Subscription receives the events of its topics until cancelled.
type Subscription struct {
	bus    *EventBus
	topics []string
	ch     chan Event
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) C() <-chan Event { return s.ch }

func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel unregisters the subscription. It is idempotent.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		close(s.done)
	})
}

func (s *Subscription) Cancelled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Next blocks for the next event, until ctx ends or the subscription is
// cancelled.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case <-s.done:
		return Event{}, &Error{Kind: KindClosed, Op: "event", Detail: "subscription cancelled"}
	default:
	}
	select {
	case ev := <-s.ch:
		return ev, nil
	case <-s.done:
		return Event{}, &Error{Kind: KindClosed, Op: "event", Detail: "subscription cancelled"}
	case <-ctx.Done():
		return Event{}, &Error{Kind: KindTimeout, Op: "event", Cause: ctx.Err()}
	}
}

// EventClient is the script-facing event capability.
type EventClient struct {
	inv *Invocation
	bus *EventBus
}

func (e *EventClient) Emit(topic string, data any) error {
	if topic == "" {
		return invalidArgs("event", "topic required")
	}
	e.bus.Emit(topic, data)
	return nil
}

func (e *EventClient) subscribe(topics []string) (*Subscriber, error) {
	if len(topics) == 0 {
		return nil, invalidArgs("event", "topic required")
	}
	for _, t := range topics {
		if t == "" {
			return nil, invalidArgs("event", "topic required")
		}
	}
	s := &Subscriber{inv: e.inv, sub: e.bus.Subscribe(topics...)}
	e.inv.Defer(s.sub.Cancel)
	return s, nil
}

// CreateSubscriber returns a pull handle over topics.
func (e *EventClient) CreateSubscriber(topics ...string) (*Subscriber, error) {
	return e.subscribe(topics)
}

// On calls fn on the invocation's loop for every event of topic until the
// returned handle is cancelled. The invocation stays alive meanwhile.
func (e *EventClient) On(topic string, fn func(data any) (any, error)) (*Subscriber, error) {
	if fn == nil {
		return nil, invalidArgs("event", "handler required")
	}
	s, err := e.subscribe([]string{topic})
	if err != nil {
		return nil, err
	}

	unref := e.inv.Ref()
	ctx := e.inv.Context()
	go func() {
		defer unref()
		for {
			select {
			case ev := <-s.sub.C():
				posted := e.inv.Post(func() {
					if s.sub.Cancelled() {
						return
					}
					if _, err := fn(ev.Data); err != nil {
						Logger().Warn("event handler failed", zap.String("topic", ev.Topic), zap.Error(err))
					}
				})
				if !posted {
					return
				}
			case <-s.sub.Done():
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return s, nil
}

// Subscriber is the script-facing subscription handle.
type Subscriber struct {
	inv *Invocation
	sub *Subscription
}

// Next returns the data of the next event. A positive timeout in
// milliseconds bounds the wait and yields null when it elapses.
func (s *Subscriber) Next(timeout int64) (any, error) {
	ctx := s.inv.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, millis(timeout))
		defer cancel()
	}
	ev, err := s.sub.Next(ctx)
	if err != nil {
		if timeout > 0 && s.inv.Context().Err() == nil && ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	return ev.Data, nil
}

func (s *Subscriber) Cancel() {
	s.sub.Cancel()
}

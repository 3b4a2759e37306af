package eventbus

import (
	"context"
	"strings"
	"sync"

	"github.com/maestro/engine/internal/corelog"
	"go.uber.org/zap"
)

// MemoryBus is the default, single-process pub/sub backend. All of its
// mutation happens under one mutex; it does not attempt cross-process
// delivery.
type MemoryBus struct {
	mu sync.RWMutex
	subs map[string]map[*memorySub]struct{}
	logger *corelog.Logger
}

type memorySub struct {
	bus *MemoryBus
	subject string
	handler Handler
}

// NewMemoryBus creates an empty in-memory event bus.
func NewMemoryBus(log *corelog.Logger) *MemoryBus {
	if log == nil {
		log = corelog.Default()
	}
	return &MemoryBus{
		subs: make(map[string]map[*memorySub]struct{}),
		logger: log.WithFields(zap.String("component", "eventbus")),
	}
}

// Publish delivers event to every subscription whose subject pattern
// matches. The order in which matching subscribers are called is not
// defined; delivery is synchronous with respect to the caller.
func (b *MemoryBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	var matched []*memorySub
	for pattern, set := range b.subs {
		if !subjectMatches(pattern, subject) {
			continue
		}
		for s := range set {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		if err := s.handler(ctx, event); err != nil {
			b.logger.Warn("event handler returned error",
				zap.String("subject", subject), zap.String("event_type", event.Type), zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers handler for subject, which may end in ".*" to match
// the prefix itself and every subject below it, or be "*" alone to match
// everything.
func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub := &memorySub{bus: b, subject: subject, handler: handler}
	b.mu.Lock()
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[*memorySub]struct{})
	}
	b.subs[subject][sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

// Close removes all subscriptions.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[*memorySub]struct{})
	return nil
}

func (s *memorySub) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if set, ok := s.bus.subs[s.subject]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.subject)
		}
	}
}

// subjectMatches implements the minimal wildcard semantics needed by the
// engine: "*" matches anything; "prefix.*" matches "prefix" itself and any
// subject starting with "prefix.", however many segments follow.
func subjectMatches(pattern, subject string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ".*") {
		return pattern == subject
	}
	prefix := strings.TrimSuffix(pattern, ".*")
	return subject == prefix || strings.HasPrefix(subject, prefix+".")
}

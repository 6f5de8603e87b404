package balancer

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

// ErrNoMembers is returned when the pool has nothing to hand out.
var ErrNoMembers = errors.New("balancer has no members")

type member[T any] struct {
	name  string
	value T
	uses  int64
	fails int64
}

// Balancer hands out the least used member of a fixed pool.
type Balancer[T any] struct {
	mutex   sync.Mutex
	members []*member[T]
	logger  *slog.Logger
}

// New creates a balancer over values. names label the members in logs and stats and must
// have the same length as values.
func New[T any](names []string, values []T, logger *slog.Logger) *Balancer[T] {
	b := &Balancer[T]{logger: logger.With("component", "balancer")}
	for i, v := range values {
		b.members = append(b.members, &member[T]{name: names[i], value: v})
	}
	if len(b.members) == 0 {
		b.logger.Warn("Balancer started without members")
	}
	return b
}

// Next selects the member with the lowest usage count and charges one use to it.
// The returned release func reports whether that use failed.
func (b *Balancer[T]) Next() (T, func(failed bool), error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	var zero T
	if len(b.members) == 0 {
		return zero, nil, ErrNoMembers
	}

	// Members stay sorted, so the least used one is at the front.
	m := b.members[0]
	m.uses++
	b.sortMembers()

	release := func(failed bool) {
		if !failed {
			return
		}
		b.mutex.Lock()
		m.fails++
		b.mutex.Unlock()
		b.logger.Warn("Member call failed", "member", m.name)
	}
	return m.value, release, nil
}

// sortMembers expects the lock to be held.
func (b *Balancer[T]) sortMembers() {
	sort.SliceStable(b.members, func(i, j int) bool {
		return b.members[i].uses < b.members[j].uses
	})
}

// Stat is a snapshot of one member's counters.
type Stat struct {
	Name  string
	Uses  int64
	Fails int64
}

// Stats returns the counters of every member, least used first.
func (b *Balancer[T]) Stats() []Stat {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	stats := make([]Stat, 0, len(b.members))
	for _, m := range b.members {
		stats = append(stats, Stat{Name: m.name, Uses: m.uses, Fails: m.fails})
	}
	return stats
}

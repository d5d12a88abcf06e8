// Package bus implements the broadcast fan-out. Each room owns one Channel;
// events published to a Channel reach every current subscriber in publish
// order. Late subscribers are not backfilled, snapshots are the catch-up
// mechanism.
package bus

import (
	"sync"

	"k8s.io/utils/set"

	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

// Subscriber receives broadcast frames. Enqueue must not block; it reports
// false when the subscriber's queue is full or closed.
type Subscriber interface {
	ID() string
	Enqueue(frame *protocol.Frame) bool
}

// Role tags a subscriber for scoped publishes.
type Role = string

const (
	RoleHost        Role = "host"
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
	RoleWaiting     Role = "waiting"
)

// AllRoles matches every subscriber.
func AllRoles() set.Set[Role] {
	return set.New(RoleHost, RoleParticipant, RoleObserver, RoleWaiting)
}

// MemberRoles matches admitted members only (no waiting-room entries).
func MemberRoles() set.Set[Role] {
	return set.New(RoleHost, RoleParticipant, RoleObserver)
}

type subscription struct {
	sub  Subscriber
	role Role
}

// Channel is one room's ordered broadcast scope. Publish order is the
// observation order for every subscriber because the channel lock covers
// the whole fan-out and each subscriber queue is FIFO.
type Channel struct {
	mu   sync.Mutex
	subs map[string]*subscription
	// dropped counts enqueue failures, surfaced for metrics.
	dropped uint64
}

// NewChannel builds an empty Channel.
func NewChannel() *Channel {
	return &Channel{subs: make(map[string]*subscription)}
}

// Subscribe adds sub under role, replacing any previous subscription with
// the same ID.
func (c *Channel) Subscribe(sub Subscriber, role Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[sub.ID()] = &subscription{sub: sub, role: role}
}

// SetRole updates a subscriber's role in place. No-op if absent.
func (c *Channel) SetRole(id string, role Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.subs[id]; ok {
		s.role = role
	}
}

// Unsubscribe removes the subscriber with id.
func (c *Channel) Unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
}

// Len returns the current subscriber count.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Publish fans frame out to every subscriber whose role is in roles.
func (c *Channel) Publish(frame *protocol.Frame, roles set.Set[Role]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.subs {
		if !roles.Has(s.role) {
			continue
		}
		if !s.sub.Enqueue(frame) {
			c.dropped++
		}
	}
}

// PublishExcept is Publish minus the subscriber with exceptID, for events
// the originator already learned from its ack.
func (c *Channel) PublishExcept(frame *protocol.Frame, roles set.Set[Role], exceptID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.subs {
		if id == exceptID || !roles.Has(s.role) {
			continue
		}
		if !s.sub.Enqueue(frame) {
			c.dropped++
		}
	}
}

// Unicast delivers frame to the single subscriber with id, preserving its
// order relative to broadcasts on this channel.
func (c *Channel) Unicast(id string, frame *protocol.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[id]
	if !ok {
		return false
	}
	if !s.sub.Enqueue(frame) {
		c.dropped++
		return false
	}
	return true
}

// Dropped returns the cumulative count of enqueue failures.
func (c *Channel) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

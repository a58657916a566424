package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/alumni-forum/internal/stats"
	"github.com/npezzotti/alumni-forum/internal/types"
	"github.com/sirupsen/logrus"
)

const (
	DefaultBufferSize  = 64
	DefaultIdleTimeout = 90 * time.Second
)

var ErrBrokerClosed = errors.New("broker is shut down")

// RoomFinder resolves a room id, returning chat.ErrNotFound for unknown
// rooms.
type RoomFinder interface {
	GetRoom(id string) (types.Room, error)
}

// Broker fans published messages out to the live subscriptions of a room.
// Each subscription owns a bounded queue. Publish never blocks: a
// subscription whose queue is full is closed as a slow consumer.
type Broker struct {
	log         *logrus.Logger
	rooms       RoomFinder
	stats       stats.StatsProvider
	bufferSize  int
	idleTimeout time.Duration

	nextId atomic.Uint64

	mu          sync.Mutex
	subscribers map[string]map[uint64]*Subscription
	closed      bool

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

func NewBroker(logger *logrus.Logger, rooms RoomFinder, su stats.StatsProvider, bufferSize int, idleTimeout time.Duration) *Broker {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	su.RegisterMetric(stats.ActiveSubscriptions)
	su.RegisterMetric(stats.MessagesPublished)
	su.RegisterMetric(stats.MessagesDelivered)
	su.RegisterMetric(stats.SubscribersDropped)

	return &Broker{
		log:         logger,
		rooms:       rooms,
		stats:       su,
		bufferSize:  bufferSize,
		idleTimeout: idleTimeout,
		subscribers: make(map[string]map[uint64]*Subscription),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Subscribe opens a live feed on roomId. The subscription is closed when ctx
// is done, when the caller calls Close, or when the broker drops it.
func (b *Broker) Subscribe(ctx context.Context, roomId string) (*Subscription, error) {
	if _, err := b.rooms.GetRoom(roomId); err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}

	sub := newSubscription(b, b.nextId.Add(1), roomId, b.bufferSize)
	room, ok := b.subscribers[roomId]
	if !ok {
		room = make(map[uint64]*Subscription)
		b.subscribers[roomId] = room
	}
	room[sub.id] = sub
	b.mu.Unlock()

	b.stats.Incr(stats.ActiveSubscriptions)
	sub.open(context.AfterFunc(ctx, func() {
		b.remove(sub, ReasonClient)
	}))

	b.log.WithFields(logrus.Fields{
		"room_id":         roomId,
		"subscription_id": sub.id,
	}).Debug("subscription opened")

	return sub, nil
}

// Publish delivers msg to every open subscription on its room and returns
// the number of subscriptions it was queued for.
func (b *Broker) Publish(msg types.Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var delivered int
	for _, sub := range b.subscribers[msg.RoomId] {
		select {
		case sub.send <- msg:
			delivered++
		default:
			b.log.WithFields(logrus.Fields{
				"room_id":         msg.RoomId,
				"subscription_id": sub.id,
			}).Warn("subscriber queue full, dropping subscriber")
			b.removeLocked(sub, ReasonSlowConsumer)
		}
	}

	b.stats.Incr(stats.MessagesPublished)
	if delivered > 0 {
		b.stats.Add(stats.MessagesDelivered, delivered)
	}

	return delivered
}

// CloseRoom closes every subscription on roomId with ReasonRoomDeleted and
// returns how many were closed. Rooms are never removed by this service; it
// is the hook for a registry that does remove them.
func (b *Broker) CloseRoom(roomId string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var n int
	for _, sub := range b.subscribers[roomId] {
		if b.removeLocked(sub, ReasonRoomDeleted) {
			n++
		}
	}
	return n
}

func (b *Broker) SubscriberCount(roomId string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers[roomId])
}

func (b *Broker) remove(sub *Subscription, reason CloseReason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub, reason)
}

func (b *Broker) removeLocked(sub *Subscription, reason CloseReason) bool {
	room, ok := b.subscribers[sub.roomId]
	if !ok {
		return false
	}
	if _, ok := room[sub.id]; !ok {
		return false
	}

	delete(room, sub.id)
	if len(room) == 0 {
		delete(b.subscribers, sub.roomId)
	}

	sub.terminate(reason)

	b.stats.Decr(stats.ActiveSubscriptions)
	if reason == ReasonSlowConsumer {
		b.stats.Incr(stats.SubscribersDropped)
	}

	b.log.WithFields(logrus.Fields{
		"room_id":         sub.roomId,
		"subscription_id": sub.id,
		"reason":          reason.String(),
	}).Debug("subscription closed")

	return true
}

// Run reaps idle subscriptions until Shutdown is called.
func (b *Broker) Run() {
	b.running.Store(true)
	defer close(b.done)

	if b.idleTimeout <= 0 {
		<-b.stop
		return
	}

	ticker := time.NewTicker(max(b.idleTimeout/4, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			b.reapIdle(now)
		case <-b.stop:
			return
		}
	}
}

func (b *Broker) reapIdle(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, room := range b.subscribers {
		for _, sub := range room {
			if sub.idleSince(now) > b.idleTimeout {
				b.removeLocked(sub, ReasonIdle)
			}
		}
	}
}

// Shutdown closes every subscription and stops the reaper. Subscribe fails
// with ErrBrokerClosed afterwards.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	var n int
	for _, room := range b.subscribers {
		for _, sub := range room {
			if b.removeLocked(sub, ReasonShutdown) {
				n++
			}
		}
	}
	b.mu.Unlock()

	b.log.WithField("subscriptions", n).Info("broker shut down")

	close(b.stop)
	if !b.running.Load() {
		return nil
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

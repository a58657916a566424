package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/npezzotti/alumni-forum/internal/types"
)

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a subscription reached StateClosed.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	// ReasonClient covers explicit unsubscribes and dropped transports.
	ReasonClient
	ReasonSlowConsumer
	ReasonIdle
	ReasonShutdown
	ReasonRoomDeleted
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonClient:
		return "client"
	case ReasonSlowConsumer:
		return "slow consumer"
	case ReasonIdle:
		return "idle"
	case ReasonShutdown:
		return "shutdown"
	case ReasonRoomDeleted:
		return "room deleted"
	default:
		return "unknown"
	}
}

// ByServer reports whether the server, not the client, ended the
// subscription.
func (r CloseReason) ByServer() bool {
	return r == ReasonSlowConsumer || r == ReasonIdle || r == ReasonShutdown
}

// Subscription is one open live feed on a room. Messages are delivered on
// Messages in append order; the channel is closed when the subscription is
// closed, after which Done is closed too.
type Subscription struct {
	id     uint64
	roomId string
	broker *Broker
	// send is written only by the broker while holding its lock and is closed
	// exactly once, by the broker, when the subscription is removed
	send chan types.Message
	done chan struct{}

	lastActive atomic.Int64

	mu        sync.Mutex
	state     State
	reason    CloseReason
	stopWatch func() bool
}

func newSubscription(b *Broker, id uint64, roomId string, size int) *Subscription {
	s := &Subscription{
		id:     id,
		roomId: roomId,
		broker: b,
		send:   make(chan types.Message, size),
		done:   make(chan struct{}),
		state:  StateConnecting,
	}
	s.Touch()
	return s
}

func (s *Subscription) Id() uint64 {
	return s.id
}

func (s *Subscription) RoomId() string {
	return s.roomId
}

func (s *Subscription) Messages() <-chan types.Message {
	return s.send
}

func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) Reason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Touch records transport activity. Subscriptions that are not touched
// within the broker's idle timeout are closed.
func (s *Subscription) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Subscription) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastActive.Load()))
}

// Close unregisters the subscription. It is safe to call more than once
// and from any goroutine.
func (s *Subscription) Close() {
	s.broker.remove(s, ReasonClient)
}

func (s *Subscription) open(stopWatch func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		s.state = StateOpen
	}
	if s.state == StateClosed {
		// the context fired before the watch was recorded
		if stopWatch != nil {
			stopWatch()
		}
		return
	}
	s.stopWatch = stopWatch
}

// terminate must be called with the broker lock held.
func (s *Subscription) terminate(reason CloseReason) {
	s.mu.Lock()
	s.state = StateClosed
	s.reason = reason
	stop := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	close(s.send)
	close(s.done)
}

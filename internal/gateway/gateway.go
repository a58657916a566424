package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/npezzotti/alumni-forum/internal/chat"
	"github.com/npezzotti/alumni-forum/internal/server"
	"github.com/npezzotti/alumni-forum/internal/types"
	"github.com/sirupsen/logrus"
)

// NoCursor opens a live feed without replaying history.
const NoCursor = -1

type Authenticator interface {
	Verify(token string) (types.Identity, error)
}

// Feed is an open live subscription plus the messages appended after the
// requested cursor and before the subscription was registered.
type Feed struct {
	Backlog []types.Message
	*server.Subscription
}

// Gateway is the entry point for every client action. Appends and publishes
// for one room happen under that room's lock, so the order subscribers see
// is the order messages were stored in.
type Gateway struct {
	log       *logrus.Logger
	auth      Authenticator
	rooms     *chat.Registry
	messages  *chat.MessageStore
	broker    *server.Broker
	roomLocks sync.Map
}

func NewGateway(logger *logrus.Logger, auth Authenticator, rooms *chat.Registry, messages *chat.MessageStore, broker *server.Broker) *Gateway {
	return &Gateway{
		log:      logger,
		auth:     auth,
		rooms:    rooms,
		messages: messages,
		broker:   broker,
	}
}

func (g *Gateway) roomLock(roomId string) *sync.Mutex {
	l, _ := g.roomLocks.LoadOrStore(roomId, &sync.Mutex{})
	return l.(*sync.Mutex)
}

func (g *Gateway) authorize(token string) (types.Identity, error) {
	identity, err := g.auth.Verify(token)
	if err != nil {
		g.log.WithError(err).Debug("token rejected")
		if errors.Is(err, chat.ErrUnauthorized) {
			return types.Identity{}, err
		}
		return types.Identity{}, fmt.Errorf("%w: %s", chat.ErrUnauthorized, err)
	}
	return identity, nil
}

func (g *Gateway) CreateRoom(name, token string) (types.Room, error) {
	identity, err := g.authorize(token)
	if err != nil {
		return types.Room{}, err
	}

	return g.rooms.CreateRoom(name, identity)
}

func (g *Gateway) ListRooms() ([]types.Room, error) {
	return g.rooms.ListRooms()
}

func (g *Gateway) GetRoom(roomId string) (types.Room, error) {
	return g.rooms.GetRoom(roomId)
}

func (g *Gateway) GetBacklog(roomId string) ([]types.Message, error) {
	return g.messages.ListMessages(roomId)
}

func (g *Gateway) GetBacklogAfter(roomId string, after int) ([]types.Message, error) {
	return g.messages.ListMessagesAfter(roomId, after)
}

// SendMessage stores a message and publishes it to the room's live
// subscribers. A display name on the caller's identity takes precedence
// over the sender the client supplied.
func (g *Gateway) SendMessage(roomId, sender, content, token string) (types.Message, error) {
	identity, err := g.authorize(token)
	if err != nil {
		return types.Message{}, err
	}

	if identity.Name != "" {
		sender = identity.Name
	}
	if err := chat.ValidateMessage(sender, content); err != nil {
		return types.Message{}, err
	}

	if _, err := g.rooms.GetRoom(roomId); err != nil {
		return types.Message{}, err
	}

	lock := g.roomLock(roomId)
	lock.Lock()
	defer lock.Unlock()

	msg, err := g.messages.AppendMessage(roomId, sender, content)
	if err != nil {
		return types.Message{}, err
	}

	delivered := g.broker.Publish(msg)
	g.log.WithFields(logrus.Fields{
		"room_id":   roomId,
		"seq_id":    msg.SeqId,
		"user_id":   identity.UserId,
		"delivered": delivered,
	}).Debug("message published")

	return msg, nil
}

// OpenLiveFeed subscribes to roomId. When after is not NoCursor, the feed's
// Backlog holds every message with a sequence id greater than after that
// the subscription will not receive live.
func (g *Gateway) OpenLiveFeed(ctx context.Context, roomId string, after int) (*Feed, error) {
	if _, err := g.rooms.GetRoom(roomId); err != nil {
		return nil, err
	}

	lock := g.roomLock(roomId)
	lock.Lock()
	defer lock.Unlock()

	sub, err := g.broker.Subscribe(ctx, roomId)
	if err != nil {
		return nil, err
	}

	feed := &Feed{Subscription: sub}
	if after == NoCursor {
		return feed, nil
	}

	backlog, err := g.messages.ListMessagesAfter(roomId, max(after, 0))
	if err != nil {
		sub.Close()
		return nil, err
	}
	feed.Backlog = backlog

	return feed, nil
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nfrund/chatsync/internal/domain"
	"github.com/nfrund/chatsync/internal/events"
	"github.com/nfrund/chatsync/internal/presence"
)

// dispatch is the single sink for inbound socket events. Events arrive one
// at a time in the order the socket delivered them.
func (c *Core) dispatch(_ context.Context, event string, data json.RawMessage) error {
	if !events.Default().Track(event) {
		c.logger.Debug("ignoring unknown event", "event", event)
		return nil
	}
	if m := c.deps.Metrics; m != nil {
		m.InboundEvents.WithLabelValues(event).Inc()
	}

	switch event {
	case domain.EventReceiveMessage:
		var msg domain.Message
		if err := decode(event, data, &msg); err != nil {
			return err
		}
		if msg.Scope == "" {
			msg.Scope = c.Scope()
		}
		c.Stream.ApplyPushed(msg)

	case domain.EventMessageRead:
		var p domain.ReadReceiptPayload
		if err := decode(event, data, &p); err != nil {
			return err
		}
		if p.Scope == "" {
			p.Scope = c.Scope()
		}
		c.Stream.ApplyRemoteRead(p.Scope, p.UserID, c.orNow(p.At))

	case domain.EventMessageRevoked:
		var p domain.RevokePayload
		if err := decode(event, data, &p); err != nil {
			return err
		}
		if err := c.Stream.Revoke(c.orScope(p.Scope), p.MessageID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}

	case domain.EventUserOnline:
		var p domain.PresencePayload
		if err := decode(event, data, &p); err != nil {
			return err
		}
		c.Presence.MarkOnline(p.UserID, c.orNowPtr(p.At))

	case domain.EventUserOffline:
		var p domain.PresencePayload
		if err := decode(event, data, &p); err != nil {
			return err
		}
		at := p.At
		if at == nil {
			at = p.LastSeen
		}
		c.Presence.MarkOffline(p.UserID, c.orNowPtr(at))

	case domain.EventUserStatus:
		var p domain.PresencePayload
		if err := decode(event, data, &p); err != nil {
			return err
		}
		if p.Status == string(presence.StatusOnline) {
			c.Presence.MarkOnline(p.UserID, c.orNowPtr(p.At))
		} else {
			at := p.LastSeen
			if at == nil {
				at = p.At
			}
			c.Presence.MarkOffline(p.UserID, c.orNowPtr(at))
		}

	case domain.EventOnlineUsers:
		var p domain.OnlineUsersPayload
		if err := decode(event, data, &p); err != nil {
			return err
		}
		c.Presence.Reconcile(p.UserIDs)

	case domain.EventTyping:
		var p domain.TypingPayload
		if err := decode(event, data, &p); err != nil {
			return err
		}
		c.Typing.OnRemoteTyping(p.UserID, c.orScope(p.Scope))

	case domain.EventStopTyping:
		var p domain.TypingPayload
		if err := decode(event, data, &p); err != nil {
			return err
		}
		c.Typing.OnRemoteStopTyping(p.UserID, c.orScope(p.Scope))

	default:
		c.logger.Debug("event has no inbound handler", "event", event)
	}
	return nil
}

func decode(event string, data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", event, err)
	}
	return nil
}

func (c *Core) orNow(t time.Time) time.Time {
	if t.IsZero() {
		return c.clock.Now()
	}
	return t
}

func (c *Core) orNowPtr(t *time.Time) time.Time {
	if t == nil {
		return c.clock.Now()
	}
	return c.orNow(*t)
}

func (c *Core) orScope(scope string) string {
	if scope == "" {
		return c.Scope()
	}
	return scope
}

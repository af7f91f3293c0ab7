package matrix

import (
	"strings"

	"github.com/davecgh/go-spew/spew"
	strip "github.com/grokify/html-strip-tags-go"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/crewrelay/teamsbot/bridge"
)

//nolint:forcetypeassert
func (m *Matrix) registerHandlers() {
	syncer := m.mc.Syncer.(*mautrix.DefaultSyncer)

	syncer.OnEventType(event.EventMessage, m.handleMessageEvent)
	syncer.OnEventType(event.EventSticker, m.handleMessageEvent)
	syncer.OnEventType(event.StateMember, m.handleMember)
	syncer.OnEventType(event.StateRoomName, m.handleRoomName)
	syncer.OnEvent(func(source mautrix.EventSource, ev *event.Event) {
		logger.Tracef("handleMatrix source.String() %s", source.String())
		logger.Tracef("handleMatrix ev %s", spew.Sdump(ev))
	})
}

// old reports whether ev is history from before the bot's first sync.
func (m *Matrix) old(ev *event.Event) bool {
	return ev.Timestamp < m.skipBefore
}

func (m *Matrix) handleMessageEvent(source mautrix.EventSource, ev *event.Event) {
	logger.Tracef("handleMessageEvent ev %s", spew.Sdump(ev))

	if m.old(ev) {
		return
	}

	content, ok := ev.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		logger.Warnf("handleMessageEvent unsupported content %T in %s", ev.Content.Parsed, ev.Type.String())
		return
	}

	m.senderCache.Add(ev.ID, toAddr(ev.Sender))

	msg := &bridge.Message{
		ID:     bridge.MessageID(ev.ID),
		ChatID: bridge.ChatID(ev.RoomID),
		Sender: toAddr(ev.Sender),
		Text:   messageText(content),
	}

	mimeType := ""
	if content.Info != nil {
		mimeType = content.Info.MimeType
	}

	msg.ViewType = viewType(content.MsgType, mimeType)
	if ev.Type == event.EventSticker {
		msg.ViewType = bridge.ViewSticker
	}

	if content.URL != "" {
		msg.Attachment = &bridge.Attachment{
			Filename: content.Body,
			URL:      string(content.URL),
			MimeType: mimeType,
		}
		if content.Info != nil {
			msg.Attachment.Size = content.Info.Size
		}
		// the body of a file event is its name
		msg.Text = ""
	}

	if content.RelatesTo != nil && content.RelatesTo.EventID != "" && content.RelatesTo.Type != event.RelReplace {
		sender, err := m.quoteSender(ev.RoomID, content.RelatesTo.EventID)
		if err != nil {
			logger.Errorf("Unable to get quoted event %s: %s", content.RelatesTo.EventID, err)
		}

		msg.Quote = &bridge.Quote{
			ID:     bridge.MessageID(content.RelatesTo.EventID),
			Sender: sender,
		}
	}

	m.emit(&bridge.Event{
		Type: bridge.EventIncomingMessage,
		Data: &bridge.IncomingMessageEvent{Message: msg},
	})
}

//nolint:forcetypeassert
func (m *Matrix) handleMember(source mautrix.EventSource, ev *event.Event) {
	member, ok := ev.Content.Parsed.(*event.MemberEventContent)
	if !ok || ev.StateKey == nil {
		return
	}

	target := id.UserID(*ev.StateKey)
	room := m.room(ev.RoomID)

	switch member.Membership {
	case event.MembershipInvite:
		if target != m.mc.UserID {
			room.invite(target)
			return
		}

		logger.Infof("invited to %s by %s, joining", ev.RoomID, ev.Sender)

		if _, err := m.mc.JoinRoomByID(ev.RoomID); err != nil {
			logger.Errorf("failed to join %s: %s", ev.RoomID, err)
		}
	case event.MembershipJoin:
		room.forget(target)

		if m.old(ev) || target == m.mc.UserID {
			return
		}

		resp, err := m.mc.JoinedMembers(ev.RoomID)
		if err != nil {
			logger.Errorf("failed to count members of %s: %s", ev.RoomID, err)
			return
		}

		m.emit(&bridge.Event{
			Type: bridge.EventMemberAdded,
			Data: &bridge.MemberAddedEvent{
				ChatID:  bridge.ChatID(ev.RoomID),
				Member:  toAddr(target),
				Actor:   toAddr(ev.Sender),
				Members: len(resp.Joined),
			},
		})
	case event.MembershipLeave, event.MembershipBan:
		room.forget(target)
	}
}

func (m *Matrix) handleRoomName(source mautrix.EventSource, ev *event.Event) {
	if m.old(ev) || ev.Sender == m.mc.UserID {
		return
	}

	content, ok := ev.Content.Parsed.(*event.RoomNameEventContent)
	if !ok {
		return
	}

	m.emit(&bridge.Event{
		Type: bridge.EventIncomingMessage,
		Data: &bridge.IncomingMessageEvent{Message: &bridge.Message{
			ID:       bridge.MessageID(ev.ID),
			ChatID:   bridge.ChatID(ev.RoomID),
			Sender:   toAddr(ev.Sender),
			Text:     "changed the room name to " + content.Name,
			ViewType: bridge.ViewNotice,
			System:   true,
		}},
	})
}

// messageText returns the plain text of a message without the quoted
// fallback clients put in front of replies.
func messageText(content *event.MessageEventContent) string {
	text := content.Body
	if text == "" && content.Format == event.FormatHTML {
		text = strip.StripTags(content.FormattedBody)
	}

	if content.RelatesTo != nil && content.RelatesTo.EventID != "" {
		text = trimReplyFallback(text)
	}

	return text
}

func trimReplyFallback(body string) string {
	lines := strings.Split(body, "\n")

	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}

	if i == 0 {
		return body
	}

	if i < len(lines) && lines[i] == "" {
		i++
	}

	return strings.Join(lines[i:], "\n")
}

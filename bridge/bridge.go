package bridge

import (
	"errors"
	"strings"
)

var ErrNotFound = errors.New("not found")

type (
	ChatID    string
	MessageID string
)

// Transport is the account/session on the chat network the bot relays for.
// Implementations push inbound activity as *Event on the channel handed to
// their constructor.
type Transport interface {
	// Self returns the bot's own address, local@host.
	Self() (string, error)

	Chat(chatID ChatID) (*ChatInfo, error)
	// FirstMessage returns the chronologically first message of a chat.
	FirstMessage(chatID ChatID) (*Message, error)

	CreateGroup(name string, members []string, protected bool) (ChatID, error)
	SendText(chatID ChatID, text string, quote MessageID) (MessageID, error)
	SendMessage(chatID ChatID, msg *Message, overrideSender string) (MessageID, error)
	Leave(chatID ChatID) error

	SetDisplayName(name string) error
	SetAvatar(attachment *Attachment) error

	Protocol() string
}

type ChatInfo struct {
	ID        ChatID
	Name      string
	Protected bool
	Members   []string
}

// HasMember reports whether addr is part of the chat.
func (c *ChatInfo) HasMember(addr string) bool {
	for _, m := range c.Members {
		if m == addr {
			return true
		}
	}

	return false
}

type ViewType string

const (
	ViewText    ViewType = "text"
	ViewNotice  ViewType = "notice"
	ViewImage   ViewType = "image"
	ViewGif     ViewType = "gif"
	ViewAudio   ViewType = "audio"
	ViewVoice   ViewType = "voice"
	ViewVideo   ViewType = "video"
	ViewFile    ViewType = "file"
	ViewSticker ViewType = "sticker"
)

type Attachment struct {
	Filename string
	// URL is the transport specific location of the content.
	URL      string
	MimeType string
	Size     int
}

type Quote struct {
	ID     MessageID
	Sender string
}

type Message struct {
	ID         MessageID
	ChatID     ChatID
	Sender     string
	Text       string
	ViewType   ViewType
	Quote      *Quote
	Attachment *Attachment
	System     bool
}

// Filename returns the attachment filename or an empty string.
func (m *Message) Filename() string {
	if m.Attachment == nil {
		return ""
	}

	return m.Attachment.Filename
}

type Event struct {
	Type string
	Data interface{}
}

const (
	EventIncomingMessage  = "incoming_message"
	EventMemberAdded      = "member_added"
	EventMessageDelivered = "message_delivered"
	EventLogout           = "logout"
)

type IncomingMessageEvent struct {
	Message *Message
}

type MemberAddedEvent struct {
	ChatID  ChatID
	Member  string
	Actor   string
	Members int
}

type MessageDeliveredEvent struct {
	ChatID    ChatID
	MessageID MessageID
	System    bool
}

type LogoutEvent struct{}

// LocalPart returns the part of addr before the '@'.
func LocalPart(addr string) string {
	if i := strings.Index(addr, "@"); i >= 0 {
		return addr[:i]
	}

	return addr
}

package relay

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewrelay/teamsbot/bridge"
)

const (
	botAddr   = "teamsbot@example.org"
	aliceAddr = "alice@example.org"
	bobAddr   = "bob@example.org"
	carolAddr = "carol@outside.net"
)

var (
	errTransport = errors.New("transport down")
	errDisk      = errors.New("disk full")
)

type fakeChat struct {
	info     bridge.ChatInfo
	messages []*bridge.Message
}

type sentMessage struct {
	Chat     bridge.ChatID
	Text     string
	Quote    bridge.MessageID
	Override string
	Message  *bridge.Message
}

type createdGroup struct {
	ID        bridge.ChatID
	Name      string
	Members   []string
	Protected bool
}

// fakeTransport is an in-memory chat network seen from the bot's account.
type fakeTransport struct {
	self string

	mu      sync.Mutex
	nextID  int
	chats   map[bridge.ChatID]*fakeChat
	sent    []sentMessage
	created []createdGroup
	left    []bridge.ChatID
	name    string
	avatar  *bridge.Attachment

	createDelay time.Duration
	failCreate  error
	failSend    error
	failSendTo  bridge.ChatID
	failProfile error

	onCreate func(id bridge.ChatID, members []string)
	onSend   func(chat bridge.ChatID, id bridge.MessageID)
}

func newFakeTransport(self string) *fakeTransport {
	return &fakeTransport{
		self:  self,
		chats: make(map[bridge.ChatID]*fakeChat),
	}
}

func (f *fakeTransport) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

// addChat registers a chat whose first message was written by firstSender.
func (f *fakeTransport) addChat(name string, protected bool, firstSender string, members ...string) bridge.ChatID {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := bridge.ChatID(f.newID("chat"))
	f.chats[id] = &fakeChat{
		info: bridge.ChatInfo{ID: id, Name: name, Protected: protected, Members: members},
		messages: []*bridge.Message{{
			ID:       bridge.MessageID(f.newID("msg")),
			ChatID:   id,
			Sender:   firstSender,
			Text:     "hello",
			ViewType: bridge.ViewText,
		}},
	}

	return id
}

func (f *fakeTransport) addMember(chatID bridge.ChatID, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := f.chats[chatID]
	c.info.Members = append(c.info.Members, addr)
}

// receive builds an inbound message in chatID and stores it in the chat.
func (f *fakeTransport) receive(chatID bridge.ChatID, sender, text string, quote *bridge.Message) *bridge.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	msg := &bridge.Message{
		ID:       bridge.MessageID(f.newID("msg")),
		ChatID:   chatID,
		Sender:   sender,
		Text:     text,
		ViewType: bridge.ViewText,
	}
	if quote != nil {
		msg.Quote = &bridge.Quote{ID: quote.ID, Sender: quote.Sender}
	}

	f.chats[chatID].messages = append(f.chats[chatID].messages, msg)

	return msg
}

func (f *fakeTransport) Self() (string, error) {
	return f.self, nil
}

func (f *fakeTransport) Chat(chatID bridge.ChatID) (*bridge.ChatInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.chats[chatID]
	if !ok {
		return nil, bridge.ErrNotFound
	}

	info := c.info
	info.Members = append([]string(nil), c.info.Members...)

	return &info, nil
}

func (f *fakeTransport) FirstMessage(chatID bridge.ChatID) (*bridge.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.chats[chatID]
	if !ok || len(c.messages) == 0 {
		return nil, bridge.ErrNotFound
	}

	return c.messages[0], nil
}

func (f *fakeTransport) CreateGroup(name string, members []string, protected bool) (bridge.ChatID, error) {
	if f.createDelay > 0 {
		time.Sleep(f.createDelay)
	}

	f.mu.Lock()
	if f.failCreate != nil {
		f.mu.Unlock()
		return "", f.failCreate
	}

	id := bridge.ChatID(f.newID("group"))
	f.chats[id] = &fakeChat{
		info: bridge.ChatInfo{
			ID:        id,
			Name:      name,
			Protected: protected,
			Members:   append([]string{f.self}, members...),
		},
	}
	f.created = append(f.created, createdGroup{ID: id, Name: name, Members: members, Protected: protected})
	onCreate := f.onCreate
	f.mu.Unlock()

	if onCreate != nil {
		onCreate(id, members)
	}

	return id, nil
}

func (f *fakeTransport) SendText(chatID bridge.ChatID, text string, quote bridge.MessageID) (bridge.MessageID, error) {
	return f.send(sentMessage{Chat: chatID, Text: text, Quote: quote}, &bridge.Message{Text: text, ViewType: bridge.ViewText})
}

func (f *fakeTransport) SendMessage(chatID bridge.ChatID, msg *bridge.Message, overrideSender string) (bridge.MessageID, error) {
	cp := *msg
	return f.send(sentMessage{Chat: chatID, Text: msg.Text, Override: overrideSender}, &cp)
}

func (f *fakeTransport) send(s sentMessage, msg *bridge.Message) (bridge.MessageID, error) {
	f.mu.Lock()
	if f.failSend != nil && (f.failSendTo == "" || f.failSendTo == s.Chat) {
		f.mu.Unlock()
		return "", f.failSend
	}

	c, ok := f.chats[s.Chat]
	if !ok {
		f.mu.Unlock()
		return "", bridge.ErrNotFound
	}

	msg.ID = bridge.MessageID(f.newID("msg"))
	msg.ChatID = s.Chat
	msg.Sender = f.self
	c.messages = append(c.messages, msg)

	s.Message = msg
	f.sent = append(f.sent, s)
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		onSend(s.Chat, msg.ID)
	}

	return msg.ID, nil
}

func (f *fakeTransport) Leave(chatID bridge.ChatID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.left = append(f.left, chatID)
	return nil
}

func (f *fakeTransport) SetDisplayName(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failProfile != nil {
		return f.failProfile
	}
	f.name = name
	return nil
}

func (f *fakeTransport) SetAvatar(attachment *bridge.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failProfile != nil {
		return f.failProfile
	}
	f.avatar = attachment
	return nil
}

func (f *fakeTransport) Protocol() string {
	return "fake"
}

func (f *fakeTransport) Sent() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeTransport) SentTo(chatID bridge.ChatID) []sentMessage {
	var out []sentMessage
	for _, s := range f.Sent() {
		if s.Chat == chatID {
			out = append(out, s)
		}
	}
	return out
}

func (f *fakeTransport) Created() []createdGroup {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]createdGroup(nil), f.created...)
}

type memKV struct {
	mu   sync.Mutex
	data map[string]string
	// remaining failing writes per key
	failSet map[string]int
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string]string), failSet: make(map[string]int)}
}

// failWrites makes the next n writes of key fail.
func (m *memKV) failWrites(key string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failSet[key] = n
}

func (m *memKV) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failSet[key] > 0 {
		m.failSet[key]--
		return errDisk
	}

	m.data[key] = value
	return nil
}

func (m *memKV) Close() error {
	return nil
}

type fixture struct {
	tr   *fakeTransport
	kv   *memKV
	crew bridge.ChatID
	bot  *Bot
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tr := newFakeTransport(botAddr)
	crew := tr.addChat("Team: "+botAddr, true, botAddr, botAddr, aliceAddr, bobAddr)

	kv := newMemKV()
	require.NoError(t, kv.Set(crewIDKey, string(crew)))

	bot, err := New(tr, kv, nil)
	require.NoError(t, err)

	return &fixture{tr: tr, kv: kv, crew: crew, bot: bot}
}

// outsiderChat opens a 1:1 chat started by addr, named like the contact.
func (f *fixture) outsiderChat(addr, name string) bridge.ChatID {
	return f.tr.addChat(name, false, addr, botAddr, addr)
}

func (f *fixture) relayGroupOf(t *testing.T, outside bridge.ChatID) bridge.ChatID {
	t.Helper()

	relay, found, err := f.bot.Mappings().RelayGroup(outside)
	require.NoError(t, err)
	require.True(t, found, "no relay group for %s", outside)

	return relay
}

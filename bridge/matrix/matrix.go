package matrix

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/42wim/matterbridge/bridge/helper"
	"github.com/crewrelay/teamsbot/bridge"
	"github.com/crewrelay/teamsbot/store"
	lru "github.com/hashicorp/golang-lru"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// StateProtected marks a room whose membership the bot guards. Matrix has no
// notion of a verified group, so the bot records it as room state on creation.
var StateProtected = event.Type{Type: "io.teamsbot.protected", Class: event.StateEventType}

type protectedContent struct {
	Protected bool `json:"protected"`
}

type Matrix struct {
	mc        *mautrix.Client
	eventChan chan *bridge.Event
	v         *viper.Viper
	// events before this unix millisecond timestamp are not relayed
	skipBefore int64
	rooms      map[id.RoomID]*Room
	sync.RWMutex

	done      chan struct{}
	closeOnce sync.Once

	// event id -> sender address, for quotes
	senderCache *lru.Cache
}

var logger = logrus.NewEntry(logrus.StandardLogger()).WithField("prefix", "bridge/matrix")

var _ bridge.Transport = (*Matrix)(nil)

// New logs in and resumes syncing from the token saved in kv.
func New(v *viper.Viper, kv store.KV, eventChan chan *bridge.Event) (*Matrix, error) {
	m := &Matrix{
		eventChan: eventChan,
		v:         v,
		rooms:     make(map[id.RoomID]*Room),
		done:      make(chan struct{}),
	}
	m.senderCache, _ = lru.New(1000)

	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})
	logger = ourlog.WithFields(logrus.Fields{"prefix": "bridge/matrix"})
	if v.GetBool("debug") {
		ourlog.SetLevel(logrus.DebugLevel)
	}

	if v.GetBool("trace") {
		ourlog.SetLevel(logrus.TraceLevel)
	}

	mc, err := mautrix.NewClient(v.GetString("matrix.server"), "", "")
	if err != nil {
		return nil, err
	}

	_, err = mc.Login(&mautrix.ReqLogin{
		Type: "m.login.password",
		Identifier: mautrix.UserIdentifier{
			Type: "m.id.user",
			User: v.GetString("matrix.login"),
		},
		Password:         v.GetString("matrix.password"),
		StoreCredentials: true,
	})
	if err != nil {
		return nil, fmt.Errorf("login as %s failed: %w", v.GetString("matrix.login"), err)
	}

	logger.Infof("logged in as %s", mc.UserID)

	mc.Store = newKVStore(kv)
	m.skipBefore = skipBefore(mc.Store.LoadNextBatch(mc.UserID), time.Now())

	m.mc = mc
	m.registerHandlers()

	return m, nil
}

// Run syncs with the homeserver until ctx is done or the session is revoked.
func (m *Matrix) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		m.Close()
	}()

	for {
		err := m.mc.Sync()
		if ctx.Err() != nil {
			return
		}

		if err == nil {
			continue
		}

		logger.Errorf("Sync() returned %s", err)

		if isLoggedOut(err) {
			m.emit(&bridge.Event{Type: bridge.EventLogout, Data: &bridge.LogoutEvent{}})
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Second):
		}
	}
}

func (m *Matrix) Close() {
	m.shutdown()
	m.mc.StopSync()
}

func (m *Matrix) shutdown() {
	m.closeOnce.Do(func() { close(m.done) })
}

// emit hands ev to the consumer, giving up once the transport is closed.
func (m *Matrix) emit(ev *bridge.Event) {
	select {
	case m.eventChan <- ev:
	case <-m.done:
	}
}

// skipBefore returns the timestamp before which synced events are history.
// Without a saved sync token this is the first run and everything before now
// is history. A resumed sync only returns what was missed.
func skipBefore(nextBatch string, now time.Time) int64 {
	if nextBatch != "" {
		return 0
	}

	return now.UnixNano() / int64(time.Millisecond)
}

func (m *Matrix) Self() (string, error) {
	if m.mc.UserID == "" {
		return "", errors.New("not logged in")
	}

	return toAddr(m.mc.UserID), nil
}

func (m *Matrix) Protocol() string {
	return "matrix"
}

func (m *Matrix) Chat(chatID bridge.ChatID) (*bridge.ChatInfo, error) {
	roomID := id.RoomID(chatID)

	resp, err := m.mc.JoinedMembers(roomID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", chatID, bridge.ErrNotFound)
		}
		return nil, err
	}

	members := make(map[id.UserID]string, len(resp.Joined))
	for userID, member := range resp.Joined {
		name := ""
		if member.DisplayName != nil {
			name = *member.DisplayName
		}
		members[userID] = name
	}

	for _, userID := range m.room(roomID).invited() {
		if _, ok := members[userID]; !ok {
			members[userID] = ""
		}
	}

	info := &bridge.ChatInfo{ID: chatID}
	for userID := range members {
		info.Members = append(info.Members, toAddr(userID))
	}
	sort.Strings(info.Members)

	var name event.RoomNameEventContent
	if err := m.mc.StateEvent(roomID, event.StateRoomName, "", &name); err != nil && !isNotFound(err) {
		return nil, err
	}

	info.Name = name.Name
	if info.Name == "" {
		info.Name = dmName(m.mc.UserID, members)
	}

	var protected protectedContent
	if err := m.mc.StateEvent(roomID, StateProtected, "", &protected); err != nil && !isNotFound(err) {
		return nil, err
	}
	info.Protected = protected.Protected

	logger.Tracef("Chat %s: %#v", chatID, info)

	return info, nil
}

// FirstMessage returns the room creation as the first message: on Matrix it
// is the first event of every room and names who started the chat.
func (m *Matrix) FirstMessage(chatID bridge.ChatID) (*bridge.Message, error) {
	var create event.CreateEventContent
	if err := m.mc.StateEvent(id.RoomID(chatID), event.StateCreate, "", &create); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s: %w", chatID, bridge.ErrNotFound)
		}
		return nil, err
	}

	if create.Creator == "" {
		return nil, fmt.Errorf("%s has no creator: %w", chatID, bridge.ErrNotFound)
	}

	return &bridge.Message{
		ChatID:   chatID,
		Sender:   toAddr(create.Creator),
		ViewType: bridge.ViewNotice,
		System:   true,
	}, nil
}

func (m *Matrix) CreateGroup(name string, members []string, protected bool) (bridge.ChatID, error) {
	invites := make([]id.UserID, 0, len(members))
	for _, addr := range members {
		invites = append(invites, toUserID(addr))
	}

	req := &mautrix.ReqCreateRoom{
		Name:   name,
		Preset: "private_chat",
		Invite: invites,
	}

	if protected {
		stateKey := ""
		req.InitialState = []*event.Event{{
			Type:     StateProtected,
			StateKey: &stateKey,
			Content:  event.Content{Raw: map[string]interface{}{"protected": true}},
		}}
	}

	resp, err := m.mc.CreateRoom(req)
	if err != nil {
		return "", err
	}

	logger.Debugf("created room %s (%s) inviting %v", name, resp.RoomID, invites)

	m.room(resp.RoomID).invite(invites...)

	return bridge.ChatID(resp.RoomID), nil
}

func (m *Matrix) SendText(chatID bridge.ChatID, text string, quote bridge.MessageID) (bridge.MessageID, error) {
	content := event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          text,
		FormattedBody: helper.ParseMarkdown(text),
		Format:        event.FormatHTML,
	}

	if quote != "" {
		content.RelatesTo = &event.RelatesTo{
			Type:    event.RelReply,
			EventID: id.EventID(quote),
		}
	}

	return m.send(chatID, &content)
}

func (m *Matrix) SendMessage(chatID bridge.ChatID, msg *bridge.Message, overrideSender string) (bridge.MessageID, error) {
	text := withSender(overrideSender, msg.Text)

	if msg.Attachment == nil {
		content := event.MessageEventContent{
			MsgType:       msgType(msg.ViewType),
			Body:          text,
			FormattedBody: helper.ParseMarkdown(text),
			Format:        event.FormatHTML,
		}

		return m.send(chatID, &content)
	}

	body := text
	if msg.Text == "" {
		body = withSender(overrideSender, msg.Attachment.Filename)
	}

	content := event.MessageEventContent{
		MsgType: msgType(msg.ViewType),
		Body:    body,
		URL:     id.ContentURIString(msg.Attachment.URL),
		Info: &event.FileInfo{
			MimeType: msg.Attachment.MimeType,
			Size:     msg.Attachment.Size,
		},
	}

	return m.send(chatID, &content)
}

func (m *Matrix) send(chatID bridge.ChatID, content *event.MessageEventContent) (bridge.MessageID, error) {
	logger.Debugf("sending %s to %s: %s", content.MsgType, chatID, content.Body)

	resp, err := m.mc.SendMessageEvent(id.RoomID(chatID), event.EventMessage, content)
	if err != nil {
		return "", err
	}

	logger.Trace("send: resp ", resp)

	self, _ := m.Self()
	m.senderCache.Add(resp.EventID, self)

	delivered := &bridge.Event{
		Type: bridge.EventMessageDelivered,
		Data: &bridge.MessageDeliveredEvent{
			ChatID:    chatID,
			MessageID: bridge.MessageID(resp.EventID),
		},
	}

	// the event loop may be the caller, never block it
	go m.emit(delivered)

	return bridge.MessageID(resp.EventID), nil
}

func (m *Matrix) Leave(chatID bridge.ChatID) error {
	_, err := m.mc.LeaveRoom(id.RoomID(chatID))
	return err
}

func (m *Matrix) SetDisplayName(name string) error {
	return m.mc.SetDisplayName(name)
}

func (m *Matrix) SetAvatar(attachment *bridge.Attachment) error {
	uri, err := id.ParseContentURI(attachment.URL)
	if err != nil {
		return fmt.Errorf("avatar %q: %w", attachment.URL, err)
	}

	return m.mc.SetAvatarURL(uri)
}

// quoteSender returns the address of whoever sent eventID.
func (m *Matrix) quoteSender(roomID id.RoomID, eventID id.EventID) (string, error) {
	if v, ok := m.senderCache.Get(eventID); ok {
		if sender, ok := v.(string); ok {
			return sender, nil
		}
	}

	resp, err := m.mc.GetEvent(roomID, eventID)
	// Retry once on failure.
	if err != nil {
		resp, err = m.mc.GetEvent(roomID, eventID)
	}
	if err != nil {
		return "", err
	}

	sender := toAddr(resp.Sender)
	m.senderCache.Add(eventID, sender)

	return sender, nil
}

// toAddr turns @local:host into local@host.
func toAddr(userID id.UserID) string {
	local, host, err := userID.Parse()
	if err != nil {
		return userID.String()
	}

	return local + "@" + host
}

// toUserID turns local@host into @local:host. Matrix ids pass through.
func toUserID(addr string) id.UserID {
	if strings.HasPrefix(addr, "@") {
		return id.UserID(addr)
	}

	i := strings.LastIndex(addr, "@")
	if i < 0 {
		return id.UserID(addr)
	}

	return id.NewUserID(addr[:i], addr[i+1:])
}

// dmName names an unnamed room after the other members, like clients do.
func dmName(self id.UserID, members map[id.UserID]string) string {
	var names []string
	for userID, name := range members {
		if userID == self {
			continue
		}
		if name == "" {
			name = toAddr(userID)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return strings.Join(names, ", ")
}

func withSender(sender, text string) string {
	if sender == "" {
		return text
	}

	return sender + ": " + text
}

func msgType(viewType bridge.ViewType) event.MessageType {
	switch viewType {
	case bridge.ViewNotice:
		return event.MsgNotice
	case bridge.ViewImage, bridge.ViewGif, bridge.ViewSticker:
		return event.MsgImage
	case bridge.ViewAudio, bridge.ViewVoice:
		return event.MsgAudio
	case bridge.ViewVideo:
		return event.MsgVideo
	case bridge.ViewFile:
		return event.MsgFile
	default:
		return event.MsgText
	}
}

func viewType(msgType event.MessageType, mimeType string) bridge.ViewType {
	switch msgType {
	case event.MsgNotice:
		return bridge.ViewNotice
	case event.MsgImage:
		if mimeType == "image/gif" {
			return bridge.ViewGif
		}
		return bridge.ViewImage
	case event.MsgAudio:
		return bridge.ViewAudio
	case event.MsgVideo:
		return bridge.ViewVideo
	case event.MsgFile:
		return bridge.ViewFile
	default:
		return bridge.ViewText
	}
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "M_NOT_FOUND")
}

func isLoggedOut(err error) bool {
	return err != nil && strings.Contains(err.Error(), "M_UNKNOWN_TOKEN")
}

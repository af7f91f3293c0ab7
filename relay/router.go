// Package relay bridges outsiders' chats into relay groups watched by the
// crew and sends the crew's quoted replies back out.
//
// Every inbound message lands in one of three places: the crew chat (commands),
// a relay group (replies to the bot get forwarded to the outsider), or any
// other chat (mirrored into its relay group, which is created on first
// contact). System messages are ignored.
package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/crewrelay/teamsbot/bridge"
	"github.com/crewrelay/teamsbot/pkg/telemetry"
	"github.com/crewrelay/teamsbot/store"
)

type Bot struct {
	tr         bridge.Transport
	mappings   *store.Mappings
	classifier *Classifier
	monitor    *Monitor

	self   string
	crewID bridge.ChatID

	// creating serializes relay group creation per outside chat
	creating singleflight.Group

	// relay groups whose mapping could not be stored yet, by outside chat
	mu      sync.Mutex
	unsaved map[bridge.ChatID]bridge.ChatID
}

// New sets up the router for the crew stored in kv.
func New(tr bridge.Transport, kv store.KV, monitor *Monitor) (*Bot, error) {
	self, err := tr.Self()
	if err != nil {
		return nil, fmt.Errorf("failed to get own address: %w", err)
	}

	crewID, err := CrewID(kv)
	if err != nil {
		return nil, err
	}

	mappings, err := store.NewMappings(kv)
	if err != nil {
		return nil, err
	}

	if monitor == nil {
		monitor = NewMonitor()
	}

	return &Bot{
		tr:         tr,
		mappings:   mappings,
		classifier: NewClassifier(tr, self, crewID),
		monitor:    monitor,
		self:       self,
		crewID:     crewID,
		unsaved:    make(map[bridge.ChatID]bridge.ChatID),
	}, nil
}

func (b *Bot) CrewID() bridge.ChatID {
	return b.crewID
}

func (b *Bot) Mappings() *store.Mappings {
	return b.mappings
}

// HandleInbound decides what to do with one incoming message. It never
// returns an error: failures are logged and the message is dropped.
func (b *Bot) HandleInbound(msg *bridge.Message) {
	log := logger.WithFields(logrus.Fields{
		"event":  uuid.NewString(),
		"chat":   msg.ChatID,
		"sender": msg.Sender,
	})
	log.Infof("new message: %s", msg.Text)

	if msg.Sender == b.self {
		log.Debug("ignoring own message")
		return
	}

	if msg.System {
		// TODO: propagate outside chat renames to the relay group name
		log.Debug("ignoring system message")
		return
	}

	if msg.ChatID == b.crewID {
		if strings.HasPrefix(msg.Text, "/") {
			log.Debugf("handling command: %s", msg.Text)
			b.handleCommand(log, msg)
			return
		}

		log.Debug("ignoring message, just the crew chatting")
		return
	}

	chat, err := b.tr.Chat(msg.ChatID)
	if err != nil {
		log.Errorf("failed to get chat: %s", err)
		telemetry.MessagesDropped.WithLabelValues("chat_lookup").Inc()
		return
	}

	isRelay, err := b.classifier.IsRelayGroup(chat)
	if err != nil {
		log.Errorf("failed to classify chat %q: %s", chat.Name, err)
		telemetry.MessagesDropped.WithLabelValues("classify").Inc()
		return
	}

	if isRelay {
		if msg.Quote != nil && msg.Quote.Sender == b.self {
			log.Debug("forwarding message to outsider")
			b.forwardToOutside(log, msg)
			return
		}

		log.Debug("ignoring message, just the crew chatting")
		return
	}

	log.Debug("forwarding message to relay group")
	if err := b.forwardToRelayGroup(log, msg, chat); err != nil {
		log.Errorf("failed to forward to relay group: %s", err)
		telemetry.MessagesDropped.WithLabelValues("to_relay").Inc()
	}
}

// reply sends text into chat, quoting msg.
func (b *Bot) reply(log *logrus.Entry, msg *bridge.Message, text string) {
	if _, err := b.tr.SendText(msg.ChatID, text, msg.ID); err != nil {
		log.Errorf("failed to reply in %s: %s", msg.ChatID, err)
	}
}

func (b *Bot) forwardToOutside(log *logrus.Entry, msg *bridge.Message) {
	outside, found, err := b.outsideChat(msg.ChatID)
	if err != nil {
		log.Errorf("failed to look up outside chat: %s", err)
		telemetry.MessagesDropped.WithLabelValues("mapping").Inc()
		return
	}

	if !found {
		log.Errorf("couldn't find the corresponding outside chat for relay group %s", msg.ChatID)
		telemetry.MessagesDropped.WithLabelValues("no_mapping").Inc()
		return
	}

	if _, err := b.tr.SendMessage(outside, forwardable(msg), ""); err != nil {
		log.Errorf("failed to forward to outside chat %s: %s", outside, err)
		telemetry.MessagesDropped.WithLabelValues("to_outside").Inc()
		b.reply(log, msg, fmt.Sprintf("failed to forward to the outside: %s", err))
		return
	}

	telemetry.MessagesRelayed.WithLabelValues(telemetry.DirectionToOutside).Inc()
}

// forwardToRelayGroup mirrors msg from the outside chat into its relay group,
// creating the group first if needed. The outsider's address is shown as
// the sender.
func (b *Bot) forwardToRelayGroup(log *logrus.Entry, msg *bridge.Message, outside *bridge.ChatInfo) error {
	relay, err := b.relayGroupFor(log, outside)
	if err != nil {
		return err
	}

	if _, err := b.tr.SendMessage(relay, forwardable(msg), msg.Sender); err != nil {
		return fmt.Errorf("send to %s: %w", relay, err)
	}

	telemetry.MessagesRelayed.WithLabelValues(telemetry.DirectionToRelay).Inc()

	return nil
}

// relayGroupFor returns the relay group of an outside chat. Concurrent calls
// for the same chat share one lookup-or-create so only one group is made.
func (b *Bot) relayGroupFor(log *logrus.Entry, outside *bridge.ChatInfo) (bridge.ChatID, error) {
	v, err, _ := b.creating.Do(string(outside.ID), func() (interface{}, error) {
		relay, found, err := b.mappings.RelayGroup(outside.ID)
		if err != nil {
			return bridge.ChatID(""), err
		}

		if found {
			return relay, nil
		}

		if relay, ok := b.unsavedRelayGroup(outside.ID); ok {
			b.persist(log, outside.ID, relay)
			return relay, nil
		}

		return b.createRelayGroup(log, outside)
	})
	if err != nil {
		return "", err
	}

	relay, ok := v.(bridge.ChatID)
	if !ok {
		return "", errors.New("unexpected relay group type")
	}

	return relay, nil
}

func (b *Bot) createRelayGroup(log *logrus.Entry, outside *bridge.ChatInfo) (bridge.ChatID, error) {
	crew, err := b.tr.Chat(b.crewID)
	if err != nil {
		return "", fmt.Errorf("crew %s: %w", b.crewID, err)
	}

	name := relayGroupName(b.self, outside.Name)
	log.Infof("creating new relay group: '%s'", name)

	relay, err := b.tr.CreateGroup(name, removeStringInSlice(b.self, crew.Members), false)
	if err != nil {
		return "", fmt.Errorf("create relay group %q: %w", name, err)
	}

	if _, err := b.tr.SendText(relay, fmt.Sprintf(relayGroupNotice, outside.Name), ""); err != nil {
		log.Errorf("failed to send notice to relay group %s: %s", relay, err)
	}

	b.persist(log, outside.ID, relay)

	telemetry.RelayGroupsCreated.Inc()

	return relay, nil
}

// persist stores the mapping. On failure the pair is kept in memory so the
// group keeps working, and storing is tried again on the next message from
// the outside chat.
func (b *Bot) persist(log *logrus.Entry, outside, relay bridge.ChatID) {
	err := b.mappings.Add(outside, relay)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		log.Errorf("failed to store mapping %s <-> %s, keeping it in memory: %s", outside, relay, err)
		b.unsaved[outside] = relay
		return
	}

	delete(b.unsaved, outside)
}

func (b *Bot) unsavedRelayGroup(outside bridge.ChatID) (bridge.ChatID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	relay, ok := b.unsaved[outside]
	return relay, ok
}

// outsideChat resolves a relay group through the store, then through the
// mappings not stored yet.
func (b *Bot) outsideChat(relay bridge.ChatID) (bridge.ChatID, bool, error) {
	outside, found, err := b.mappings.OutsideChat(relay)
	if found {
		return outside, true, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for o, r := range b.unsaved {
		if r == relay {
			return o, true, nil
		}
	}

	return "", false, err
}

// forwardable copies the content of msg without its chat specific parts.
func forwardable(msg *bridge.Message) *bridge.Message {
	return &bridge.Message{
		Sender:     msg.Sender,
		Text:       msg.Text,
		ViewType:   msg.ViewType,
		Attachment: msg.Attachment,
	}
}

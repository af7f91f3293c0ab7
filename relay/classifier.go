package relay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/crewrelay/teamsbot/bridge"
)

// Classifier decides whether a chat is one of the bot's relay groups. There is
// no stored flag: the answer is derived from the chat itself every time, so it
// stays right when the mapping store is lost.
type Classifier struct {
	tr     bridge.Transport
	self   string
	crewID bridge.ChatID
}

func NewClassifier(tr bridge.Transport, self string, crewID bridge.ChatID) *Classifier {
	return &Classifier{tr: tr, self: self, crewID: crewID}
}

// IsRelayGroup reports whether chat is a relay group: its name carries the
// bot's tag, the bot wrote its first message, it is unprotected and the
// whole current crew is in it.
func (c *Classifier) IsRelayGroup(chat *bridge.ChatInfo) (bool, error) {
	if !strings.HasPrefix(chat.Name, relayGroupPrefix(c.self)) {
		return false, nil
	}

	first, err := c.tr.FirstMessage(chat.ID)
	if errors.Is(err, bridge.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("first message of %s: %w", chat.ID, err)
	}

	if first.Sender != c.self {
		return false, nil
	}

	if chat.Protected {
		return false, nil
	}

	crew, err := c.tr.Chat(c.crewID)
	if err != nil {
		return false, fmt.Errorf("crew %s: %w", c.crewID, err)
	}

	for _, member := range crew.Members {
		if !chat.HasMember(member) {
			return false, nil
		}
	}

	return true, nil
}

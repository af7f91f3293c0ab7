package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/crewrelay/teamsbot/bridge"
)

const relaysKey = "relays"

var ErrMappingExists = errors.New("chat is already mapped")

// Mapping pairs an outside chat with the relay group mirroring it.
type Mapping struct {
	Outside bridge.ChatID
	Relay   bridge.ChatID
}

func (m Mapping) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]bridge.ChatID{m.Outside, m.Relay})
}

func (m *Mapping) UnmarshalJSON(data []byte) error {
	var pair [2]bridge.ChatID
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}

	m.Outside, m.Relay = pair[0], pair[1]

	return nil
}

// Mappings is the outside chat <-> relay group table. The whole list lives
// under one key and is rewritten on every Add.
type Mappings struct {
	kv KV
	mu sync.Mutex
}

func NewMappings(kv KV) (*Mappings, error) {
	m := &Mappings{kv: kv}

	_, found, err := kv.Get(relaysKey)
	if err != nil {
		return nil, err
	}

	if !found {
		if err := m.save(nil); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Mappings) load() ([]Mapping, error) {
	raw, found, err := m.kv.Get(relaysKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", relaysKey, err)
	}

	if !found || raw == "" {
		return nil, nil
	}

	var list []Mapping
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", relaysKey, err)
	}

	return list, nil
}

func (m *Mappings) save(list []Mapping) error {
	if list == nil {
		list = []Mapping{}
	}

	raw, err := json.Marshal(list)
	if err != nil {
		return err
	}

	return m.kv.Set(relaysKey, string(raw))
}

// All returns every mapping in insertion order.
func (m *Mappings) All() ([]Mapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.load()
}

// RelayGroup returns the relay group for an outside chat.
func (m *Mappings) RelayGroup(outside bridge.ChatID) (bridge.ChatID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, err := m.load()
	if err != nil {
		return "", false, err
	}

	for _, mapping := range list {
		if mapping.Outside == outside {
			return mapping.Relay, true, nil
		}
	}

	return "", false, nil
}

// OutsideChat returns the outside chat a relay group mirrors.
func (m *Mappings) OutsideChat(relay bridge.ChatID) (bridge.ChatID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, err := m.load()
	if err != nil {
		return "", false, err
	}

	for _, mapping := range list {
		if mapping.Relay == relay {
			return mapping.Outside, true, nil
		}
	}

	return "", false, nil
}

// Add appends a mapping. Adding an identical pair again is a no-op; a pair
// reusing either side of an existing mapping returns ErrMappingExists.
func (m *Mappings) Add(outside, relay bridge.ChatID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list, err := m.load()
	if err != nil {
		return err
	}

	for _, mapping := range list {
		if mapping.Outside == outside && mapping.Relay == relay {
			return nil
		}

		if mapping.Outside == outside || mapping.Relay == relay {
			return fmt.Errorf("%w: %s <-> %s", ErrMappingExists, mapping.Outside, mapping.Relay)
		}
	}

	list = append(list, Mapping{Outside: outside, Relay: relay})
	if err := m.save(list); err != nil {
		return fmt.Errorf("failed to persist mapping %s <-> %s: %w", outside, relay, err)
	}

	logger.Debugf("added mapping %s <-> %s (%d total)", outside, relay, len(list))

	return nil
}

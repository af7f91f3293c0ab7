package relay

import (
	"sync"
	"time"

	"github.com/desertbit/timer"

	"github.com/crewrelay/teamsbot/bridge"
)

// flag is a resettable one-shot signal.
type flag struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

func newFlag() *flag {
	return &flag{ch: make(chan struct{})}
}

func (f *flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.set {
		f.set = true
		close(f.ch)
	}
}

func (f *flag) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.set {
		f.set = false
		f.ch = make(chan struct{})
	}
}

// Wait blocks until the flag is set or timeout passes. It reports whether the
// flag was set.
func (f *flag) Wait(timeout time.Duration) bool {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()

	t := timer.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// Monitor follows crew membership and delivery of the bot's own messages.
// The setup flow uses it; relaying does not depend on it.
type Monitor struct {
	mu       sync.Mutex
	crewID   bridge.ChatID
	expected int
	members  map[bridge.ChatID]int
	outgoing int

	memberAdded *flag
	messageSent *flag
}

func NewMonitor() *Monitor {
	return &Monitor{
		members:     make(map[bridge.ChatID]int),
		memberAdded: newFlag(),
		messageSent: newFlag(),
	}
}

// WatchCrew arms WaitMemberAdded for chatID reaching members members.
func (m *Monitor) WatchCrew(chatID bridge.ChatID, members int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.crewID = chatID
	m.expected = members
	m.memberAdded.Clear()

	// the join may have been seen before the chat id was known
	if seen, ok := m.members[chatID]; ok && seen >= members {
		m.memberAdded.Set()
	}
}

func (m *Monitor) HandleMemberAdded(event *bridge.MemberAddedEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.members[event.ChatID] = event.Members
	logger.Debugf("member %s added to %s by %s, %d members", event.Member, event.ChatID, event.Actor, event.Members)

	if event.ChatID == m.crewID && event.Members >= m.expected {
		m.memberAdded.Set()
	}
}

func (m *Monitor) WaitMemberAdded(timeout time.Duration) bool {
	return m.memberAdded.Wait(timeout)
}

// ExpectOutgoing arms WaitSent for n non-system messages.
func (m *Monitor) ExpectOutgoing(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outgoing = n
	m.messageSent.Clear()
}

func (m *Monitor) HandleDelivered(event *bridge.MessageDeliveredEvent) {
	if event.System {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.outgoing--
	if m.outgoing < 1 {
		m.messageSent.Set()
	}
}

func (m *Monitor) WaitSent(timeout time.Duration) bool {
	return m.messageSent.Wait(timeout)
}

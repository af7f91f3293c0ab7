package relay

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/davecgh/go-spew/spew"

	"github.com/crewrelay/teamsbot/bridge"
	"github.com/crewrelay/teamsbot/pkg/telemetry"
)

// Loop drains transport events. Messages of one chat are handled in order by
// the same worker; different chats are handled in parallel.
type Loop struct {
	Monitor *Monitor
	// Handle is called for every incoming message; nil drops them.
	Handle  func(msg *bridge.Message)
	Workers int
}

func (b *Bot) Run(ctx context.Context, events <-chan *bridge.Event, workers int) {
	l := &Loop{Monitor: b.monitor, Handle: b.HandleInbound, Workers: workers}
	l.Run(ctx, events)
}

// Run returns when ctx is done, events is closed or a logout event arrives,
// after the queued messages have been handled.
func (l *Loop) Run(ctx context.Context, events <-chan *bridge.Event) {
	workers := l.Workers
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup

	queues := make([]chan *bridge.Message, workers)
	for i := range queues {
		queues[i] = make(chan *bridge.Message, 100)

		wg.Add(1)
		go func(queue <-chan *bridge.Message) {
			defer wg.Done()
			for msg := range queue {
				l.handleMessage(msg)
			}
		}(queues[i])
	}

	defer func() {
		for _, queue := range queues {
			close(queue)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}

			logger.Tracef("eventchan %s", spew.Sdump(event))

			switch e := event.Data.(type) {
			case *bridge.IncomingMessageEvent:
				queues[shard(e.Message.ChatID, workers)] <- e.Message
			case *bridge.MemberAddedEvent:
				if l.Monitor != nil {
					l.Monitor.HandleMemberAdded(e)
				}
			case *bridge.MessageDeliveredEvent:
				if l.Monitor != nil {
					l.Monitor.HandleDelivered(e)
				}
			case *bridge.LogoutEvent:
				return
			default:
				logger.Debugf("ignoring event %s", event.Type)
			}
		}
	}
}

func (l *Loop) handleMessage(msg *bridge.Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("panic while handling message %s in %s: %v", msg.ID, msg.ChatID, r)
			telemetry.HandlerPanics.Inc()
		}
	}()

	if l.Handle == nil {
		logger.Debugf("dropping message %s in %s, not relaying yet", msg.ID, msg.ChatID)
		return
	}

	l.Handle(msg)
}

func shard(chatID bridge.ChatID, n int) int {
	h := fnv.New32a()
	h.Write([]byte(chatID))

	return int(h.Sum32() % uint32(n))
}

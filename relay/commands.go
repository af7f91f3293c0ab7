package relay

import (
	"fmt"
	"sort"
	"strings"

	"github.com/muesli/reflow/wordwrap"
	"github.com/sirupsen/logrus"

	"github.com/crewrelay/teamsbot/bridge"
	"github.com/crewrelay/teamsbot/pkg/telemetry"
)

// CommandResult is what a crew command hands back to the router.
type CommandResult struct {
	OK   bool
	Text string
	// Chat and Messages are set when the command opened an outside chat
	// whose messages have to be mirrored into a relay group.
	Chat     *bridge.ChatInfo
	Messages []*bridge.Message
}

func failed(format string, args ...interface{}) *CommandResult {
	return &CommandResult{Text: fmt.Sprintf(format, args...)}
}

type Command struct {
	handler   func(b *Bot, msg *bridge.Message, args []string) *CommandResult
	minParams int
	maxParams int
	usage     string
}

const (
	usageSetName   = "/set_name <name>"
	usageSetAvatar = "/set_avatar (with an image attached)"
	usageStartChat = "/start_chat <addr1,addr2,...> <title> <message>"
)

var cmds = map[string]Command{
	"/help":       {handler: help, minParams: 0, maxParams: -1, usage: "/help"},
	"/set_name":   {handler: setName, minParams: 1, maxParams: -1, usage: usageSetName},
	"/set_avatar": {handler: setAvatar, minParams: 0, maxParams: -1, usage: usageSetAvatar},
	"/start_chat": {handler: startChat, minParams: 2, maxParams: -1, usage: usageStartChat},
}

const helpText = `I forward messages from outsiders into relay groups. Reply to one of my messages there, quoting it, and I send your answer back to the outsider. Anything else you write in a relay group stays with the crew.

Start a chat with outsiders: /start_chat alice@example.org,bob@example.org Chat_Title Hello friends!
Change my display name: /set_name Name
Change my avatar: /set_avatar (attach the image)
Show this help text: /help`

func helpMessage() string {
	return wordwrap.String(helpText, 80)
}

func (b *Bot) handleCommand(log *logrus.Entry, msg *bridge.Message) {
	args := strings.Split(msg.Text, " ")
	name := args[0]

	res := b.runCommand(msg, args)
	telemetry.Commands.WithLabelValues(commandLabel(name), telemetry.Result(res.OK)).Inc()

	if res.OK {
		for _, m := range res.Messages {
			if err := b.forwardToRelayGroup(log, m, res.Chat); err != nil {
				log.Errorf("failed to forward %s to relay group: %s", m.ID, err)
			}
		}
	}

	b.reply(log, msg, res.Text)
}

func (b *Bot) runCommand(msg *bridge.Message, args []string) *CommandResult {
	cmd, ok := cmds[args[0]]
	if !ok {
		return failed("possible commands: %s", strings.Join(commandNames(), ", "))
	}

	params := len(args[1:])
	if params < cmd.minParams || (cmd.maxParams > -1 && params > cmd.maxParams) {
		return failed("usage: %s", cmd.usage)
	}

	return cmd.handler(b, msg, args[1:])
}

func commandNames() []string {
	keys := make([]string, 0, len(cmds))
	for k := range cmds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// commandLabel keeps arbitrary user input out of metric labels.
func commandLabel(name string) string {
	if _, ok := cmds[name]; ok {
		return name
	}
	return "unknown"
}

func help(b *Bot, msg *bridge.Message, args []string) *CommandResult {
	return &CommandResult{OK: true, Text: helpMessage()}
}

func setName(b *Bot, msg *bridge.Message, args []string) *CommandResult {
	name := strings.TrimSpace(strings.TrimPrefix(msg.Text, "/set_name "))
	if name == "" {
		return failed("usage: %s", usageSetName)
	}

	if err := b.tr.SetDisplayName(name); err != nil {
		return failed("failed to set display name: %s", err)
	}

	return &CommandResult{OK: true, Text: fmt.Sprintf("display name changed to %s", name)}
}

func setAvatar(b *Bot, msg *bridge.Message, args []string) *CommandResult {
	if msg.Attachment == nil {
		return failed("usage: %s", usageSetAvatar)
	}

	if err := b.tr.SetAvatar(msg.Attachment); err != nil {
		return failed("failed to set avatar: %s", err)
	}

	return &CommandResult{OK: true, Text: "avatar changed"}
}

func startChat(b *Bot, msg *bridge.Message, args []string) *CommandResult {
	var recipients []string
	for _, addr := range strings.Split(args[0], ",") {
		if addr == "" {
			continue
		}
		if !strings.Contains(addr, "@") {
			return failed("%q is not a valid address", addr)
		}
		recipients = append(recipients, addr)
	}

	if len(recipients) == 0 {
		return failed("usage: %s", usageStartChat)
	}

	title := strings.ReplaceAll(args[1], "_", " ")
	text := strings.Join(args[2:], " ")

	if text == "" && msg.Attachment == nil {
		return failed("usage: %s", usageStartChat)
	}

	chatID, err := b.tr.CreateGroup(title, recipients, false)
	if err != nil {
		return failed("failed to create chat %q: %s", title, err)
	}

	viewType := msg.ViewType
	if viewType == "" {
		viewType = bridge.ViewText
	}

	first := &bridge.Message{
		ChatID:     chatID,
		Sender:     b.self,
		Text:       text,
		ViewType:   viewType,
		Attachment: msg.Attachment,
	}

	first.ID, err = b.tr.SendMessage(chatID, first, "")
	if err != nil {
		return failed("created chat %q but failed to send the message: %s", title, err)
	}

	return &CommandResult{
		OK:   true,
		Text: fmt.Sprintf("chat %q with %s started successfully", title, strings.Join(recipients, ", ")),
		Chat: &bridge.ChatInfo{
			ID:      chatID,
			Name:    title,
			Members: append([]string{b.self}, recipients...),
		},
		Messages: []*bridge.Message{first},
	}
}

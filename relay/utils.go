package relay

import (
	"fmt"

	"github.com/crewrelay/teamsbot/bridge"
)

const relayGroupNotice = "This is the relay group for %s; I'll only forward 'direct replies' to the outside."

// relayGroupPrefix is the tag every relay group name starts with.
func relayGroupPrefix(self string) string {
	return fmt.Sprintf("[%s] ", bridge.LocalPart(self))
}

func relayGroupName(self, outsideName string) string {
	return relayGroupPrefix(self) + outsideName
}

func removeStringInSlice(a string, list []string) []string {
	newlist := []string{}
	for _, b := range list {
		if b != a {
			newlist = append(newlist, b)
		}
	}
	return newlist
}

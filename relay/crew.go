package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/crewrelay/teamsbot/bridge"
	"github.com/crewrelay/teamsbot/store"
)

const crewIDKey = "crew_id"

var ErrNoCrew = errors.New("no crew set up yet")

const oldCrewNotice = "There is a new Group for the Team now, which was set up by %s. I will not read this group any longer."

// CrewID returns the id of the active crew.
func CrewID(kv store.KV) (bridge.ChatID, error) {
	id, found, err := kv.Get(crewIDKey)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", crewIDKey, err)
	}

	if !found || id == "" {
		return "", ErrNoCrew
	}

	return bridge.ChatID(id), nil
}

// SetupCrew creates a new protected crew group with admin in it and makes it
// the active crew once admin has joined. A previous crew is told about the
// new group and left.
func SetupCrew(tr bridge.Transport, kv store.KV, monitor *Monitor, admin string, timeout time.Duration) (bridge.ChatID, error) {
	self, err := tr.Self()
	if err != nil {
		return "", err
	}

	oldCrew, err := CrewID(kv)
	if err != nil && !errors.Is(err, ErrNoCrew) {
		return "", err
	}

	name := fmt.Sprintf("Team: %s", self)
	crewID, err := tr.CreateGroup(name, []string{admin}, true)
	if err != nil {
		return "", fmt.Errorf("failed to create crew %q: %w", name, err)
	}

	logger.Infof("created crew %q (%s), waiting for %s to join", name, crewID, admin)

	monitor.WatchCrew(crewID, 2)
	if !monitor.WaitMemberAdded(timeout) {
		return "", fmt.Errorf("%s did not join %q within %s", admin, name, timeout)
	}

	if err := kv.Set(crewIDKey, string(crewID)); err != nil {
		return "", fmt.Errorf("failed to store %s: %w", crewIDKey, err)
	}

	if oldCrew != "" && oldCrew != crewID {
		retireCrew(tr, monitor, oldCrew, admin, timeout)
	}

	if _, err := tr.SendText(crewID, helpMessage(), ""); err != nil {
		logger.Errorf("failed to send help to the new crew: %s", err)
	}

	return crewID, nil
}

func retireCrew(tr bridge.Transport, monitor *Monitor, oldCrew bridge.ChatID, admin string, timeout time.Duration) {
	logger.Infof("retiring old crew %s", oldCrew)

	monitor.ExpectOutgoing(1)
	if _, err := tr.SendText(oldCrew, fmt.Sprintf(oldCrewNotice, admin), ""); err != nil {
		logger.Errorf("failed to notify old crew %s: %s", oldCrew, err)
	} else if !monitor.WaitSent(timeout) {
		logger.Warnf("notice to old crew %s not delivered within %s", oldCrew, timeout)
	}

	if err := tr.Leave(oldCrew); err != nil {
		logger.Errorf("failed to leave old crew %s: %s", oldCrew, err)
	}
}

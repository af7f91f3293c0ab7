package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewrelay/teamsbot/bridge"
)

func TestMappingsRoundTrip(t *testing.T) {
	for _, driver := range drivers {
		t.Run(driver, func(t *testing.T) {
			m, err := NewMappings(openTestKV(t, driver))
			require.NoError(t, err)

			pairs := []Mapping{
				{Outside: "!dm1:example.org", Relay: "!relay1:example.org"},
				{Outside: "!dm2:example.org", Relay: "!relay2:example.org"},
				{Outside: "!group:example.org", Relay: "!relay3:example.org"},
			}
			for _, p := range pairs {
				require.NoError(t, m.Add(p.Outside, p.Relay))
			}

			for _, p := range pairs {
				relay, found, err := m.RelayGroup(p.Outside)
				require.NoError(t, err)
				require.True(t, found)
				outside, found, err := m.OutsideChat(relay)
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, p.Outside, outside)

				outside, _, err = m.OutsideChat(p.Relay)
				require.NoError(t, err)
				relay, _, err = m.RelayGroup(outside)
				require.NoError(t, err)
				assert.Equal(t, p.Relay, relay)
			}

			all, err := m.All()
			require.NoError(t, err)
			assert.Equal(t, pairs, all)
		})
	}
}

func TestMappingsMissing(t *testing.T) {
	m, err := NewMappings(openTestKV(t, DriverBolt))
	require.NoError(t, err)

	_, found, err := m.RelayGroup("!nobody:example.org")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = m.OutsideChat("!nobody:example.org")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMappingsBijection(t *testing.T) {
	m, err := NewMappings(openTestKV(t, DriverBolt))
	require.NoError(t, err)

	require.NoError(t, m.Add("out", "relay"))
	require.NoError(t, m.Add("out", "relay"))

	assert.ErrorIs(t, m.Add("out", "relay2"), ErrMappingExists)
	assert.ErrorIs(t, m.Add("out2", "relay"), ErrMappingExists)

	all, err := m.All()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMappingsPersistAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.db")

	kv, err := Open(DriverBolt, path)
	require.NoError(t, err)
	m, err := NewMappings(kv)
	require.NoError(t, err)
	require.NoError(t, m.Add("out", "relay"))
	require.NoError(t, kv.Close())

	kv, err = Open(DriverBolt, path)
	require.NoError(t, err)
	defer kv.Close()

	m, err = NewMappings(kv)
	require.NoError(t, err)
	relay, found, err := m.RelayGroup("out")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, bridge.ChatID("relay"), relay)

	raw, _, err := kv.Get("relays")
	require.NoError(t, err)
	assert.JSONEq(t, `[["out","relay"]]`, raw)
}

func TestMappingsConcurrentAdd(t *testing.T) {
	m, err := NewMappings(openTestKV(t, DriverBolt))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.Add(bridge.ChatID(fmt.Sprintf("out%d", i)), bridge.ChatID(fmt.Sprintf("relay%d", i))))
		}(i)
	}
	wg.Wait()

	all, err := m.All()
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

package matrix

import (
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/crewrelay/teamsbot/store"
)

// kvStore keeps the sync token and filter id in the bot's store so a restart
// resumes the sync where the previous run stopped. Rooms stay in memory.
type kvStore struct {
	*mautrix.InMemoryStore
	kv store.KV
}

func newKVStore(kv store.KV) *kvStore {
	return &kvStore{InMemoryStore: mautrix.NewInMemoryStore(), kv: kv}
}

func nextBatchKey(userID id.UserID) string {
	return "matrix.next_batch." + userID.String()
}

func filterKey(userID id.UserID) string {
	return "matrix.filter." + userID.String()
}

func (s *kvStore) SaveFilterID(userID id.UserID, filterID string) {
	if err := s.kv.Set(filterKey(userID), filterID); err != nil {
		logger.Errorf("failed to save filter id: %s", err)
	}
}

func (s *kvStore) LoadFilterID(userID id.UserID) string {
	return s.load(filterKey(userID))
}

func (s *kvStore) SaveNextBatch(userID id.UserID, nextBatchToken string) {
	if err := s.kv.Set(nextBatchKey(userID), nextBatchToken); err != nil {
		logger.Errorf("failed to save sync token: %s", err)
	}
}

func (s *kvStore) LoadNextBatch(userID id.UserID) string {
	return s.load(nextBatchKey(userID))
}

func (s *kvStore) load(key string) string {
	val, _, err := s.kv.Get(key)
	if err != nil {
		logger.Errorf("failed to load %s: %s", key, err)
		return ""
	}

	return val
}

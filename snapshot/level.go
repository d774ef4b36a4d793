package snapshot

import (
	"fmt"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/sarchlab/x64emu/log"
)

const keyPrefix = "snap/"

// LevelStore keeps snapshots in a LevelDB database under keys
// "snap/<unix-nanos>". The timestamp is zero-padded so key order is save
// order.
type LevelStore struct {
	db  *leveldb.DB
	now func() time.Time
}

// OpenLevelStore opens or creates a database at path. An empty path opens
// an in-memory database.
func OpenLevelStore(path string) (*LevelStore, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot database at %q: %w", path, err)
	}
	return &LevelStore{db: db, now: time.Now}, nil
}

// NewLevelStore wraps an open database.
func NewLevelStore(db *leveldb.DB) *LevelStore {
	return &LevelStore{db: db, now: time.Now}
}

// Close closes the underlying database.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

// Key returns the database key for a snapshot saved at t.
func Key(t time.Time) string {
	return fmt.Sprintf("%s%020d", keyPrefix, t.UnixNano())
}

// Save stores snap under a key derived from the current time. A key already
// taken is bumped forward by a nanosecond.
func (s *LevelStore) Save(snap *Snapshot) (string, error) {
	data, err := Marshal(snap)
	if err != nil {
		return "", err
	}

	t := s.now()
	key := Key(t)
	for {
		ok, err := s.db.Has([]byte(key), nil)
		if err != nil {
			return "", fmt.Errorf("save snapshot: %w", err)
		}
		if !ok {
			break
		}
		t = t.Add(time.Nanosecond)
		key = Key(t)
	}

	if err := s.db.Put([]byte(key), data, nil); err != nil {
		return "", fmt.Errorf("save snapshot %s: %w", key, err)
	}
	log.Info(log.Snapshot, "saved snapshot", "key", key, "bytes", len(data))
	return key, nil
}

// Load returns the snapshot stored under key.
func (s *LevelStore) Load(key string) (*Snapshot, error) {
	if !strings.HasPrefix(key, keyPrefix) {
		key = keyPrefix + key
	}
	data, err := s.db.Get([]byte(key), nil)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	snap, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return snap, nil
}

// List returns every snapshot key in save order.
func (s *LevelStore) List() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer it.Release()

	var keys []string
	for it.Next() {
		keys = append(keys, string(it.Key()))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return keys, nil
}

// Latest returns the snapshot with the greatest key.
func (s *LevelStore) Latest() (*Snapshot, string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer it.Release()

	if !it.Last() {
		if err := it.Error(); err != nil {
			return nil, "", fmt.Errorf("latest snapshot: %w", err)
		}
		return nil, "", ErrNoSnapshot
	}

	key := string(it.Key())
	snap, err := Unmarshal(it.Value())
	if err != nil {
		return nil, "", fmt.Errorf("load snapshot %s: %w", key, err)
	}
	return snap, key, nil
}

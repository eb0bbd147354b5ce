package upload

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/cyface-de/ingest-storage/internal/metadata"
)

var sessionsBucket = []byte("sessions")

// Store is the process-local session registry keyed by the 32-hex session
// identifier (spec §9: "a process-local concurrent map... suffices").
// A bbolt file backs it purely as a restart-rehydration cache — spec §4.2
// notes durability across restarts is not itself a goal, since the temp
// files on disk are sufficient to reconstruct pending uploads; bbolt just
// saves the janitor and handlers from re-deriving metadata from nothing.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	db       *bbolt.DB
}

// NewStore opens (creating if needed) the bbolt file at dbPath and
// rehydrates any sessions persisted by a previous run.
func NewStore(dbPath string) (*Store, error) {
	db, err := bbolt.Open(dbPath, 0o640, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open session store %q: %w", dbPath, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session bucket: %w", err)
	}

	s := &Store{sessions: make(map[string]*Session), db: db}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		return b.ForEach(func(k, v []byte) error {
			var sn snapshot
			if err := json.Unmarshal(v, &sn); err != nil {
				return nil // skip a corrupt record rather than fail startup
			}
			s.sessions[string(k)] = fromSnapshot(sn)
			return nil
		})
	})
}

// Close flushes and closes the underlying bbolt file.
func (s *Store) Close() error { return s.db.Close() }

// Create allocates a new session in StateOpenEmpty and persists it.
func (s *Store) Create(fileType string, meta metadata.RequestMetaData, principal Principal, uploadPath string) (*Session, error) {
	sess := newSession(NewIdentifier(), fileType, meta, principal, uploadPath)

	s.mu.Lock()
	s.sessions[sess.Identifier] = sess
	s.mu.Unlock()

	if err := s.persist(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns the session for id, or (nil, false) if absent/expired.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Persist writes the current in-memory state of sess to bbolt. Call after
// any mutation (Touch, BeginCommit/FinishCommit, ResetPath) that should
// survive a restart.
func (s *Store) Persist(sess *Session) error { return s.persist(sess) }

func (s *Store) persist(sess *Session) error {
	sn := sess.toSnapshot()
	data, err := json.Marshal(sn)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", sess.Identifier, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(sess.Identifier), data)
	})
}

// Delete removes id from both the in-memory map and bbolt. Used on final
// commit, explicit abort, and janitor sweep (spec §4.2 terminal transitions).
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	})
}

// Range calls f for every live session, stopping early if f returns false.
// Used by the janitor to find sessions whose LastTouchedMillis has expired.
func (s *Store) Range(f func(*Session) bool) {
	s.mu.RLock()
	snapshot := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snapshot = append(snapshot, sess)
	}
	s.mu.RUnlock()

	for _, sess := range snapshot {
		if !f(sess) {
			return
		}
	}
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Package apps holds the shared-app document state tunneled through a room.
// Document payloads are opaque CRDT updates: the store merges them
// idempotently and serves diffs against client state vectors, but never
// interprets their contents. Awareness payloads are last-writer per origin.
package apps

import (
	"crypto/sha256"
	"sync"

	"github.com/openmeet-labs/signaling/internal/v1/protocol"
)

// MaxUpdateBytes bounds a single document or awareness payload.
const MaxUpdateBytes = 1 << 20 // 1 MiB

// doc is one app's accumulated update log plus the dedupe index.
type doc struct {
	updates [][]byte
	seen    map[[sha256.Size]byte]int // digest -> index into updates
}

// Store is the per-room shared-app state: the active app, the lock flag,
// and the retained documents. Closing an app keeps its doc so reopening
// with the same appId resumes where it left off.
type Store struct {
	mu          sync.Mutex
	activeAppID string
	locked      bool
	docs        map[string]*doc
	awareness   map[string]map[string][]byte // appId -> originID -> payload
}

// NewStore builds an empty Store.
func NewStore() *Store {
	return &Store{
		docs:      make(map[string]*doc),
		awareness: make(map[string]map[string][]byte),
	}
}

// Open makes appId the active app, creating its doc on first open.
func (s *Store) Open(appID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeAppID = appID
	if _, ok := s.docs[appID]; !ok {
		s.docs[appID] = &doc{seen: make(map[[sha256.Size]byte]int)}
	}
}

// Close deactivates the current app and clears its awareness channel. The
// document itself is retained for reopening.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeAppID != "" {
		delete(s.awareness, s.activeAppID)
	}
	s.activeAppID = ""
}

// SetLocked flips the apps lock. While locked, non-host mutations are
// rejected by the caller; the store itself does not enforce roles.
func (s *Store) SetLocked(locked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = locked
}

// State returns the active app id and lock flag.
func (s *Store) State() (activeAppID string, locked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeAppID, s.locked
}

func validatePayload(data []byte) error {
	if len(data) == 0 {
		return protocol.NewError(protocol.ErrInternal, "empty app payload")
	}
	if len(data) > MaxUpdateBytes {
		return protocol.NewError(protocol.ErrInternal, "app payload exceeds %d bytes", MaxUpdateBytes)
	}
	return nil
}

// ApplyUpdate merges one document update into appId. Re-applying a payload
// already merged is a no-op; applied reports whether the update was new, so
// callers only forward fresh updates.
func (s *Store) ApplyUpdate(appID string, data []byte) (applied bool, err error) {
	if err := validatePayload(data); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[appID]
	if !ok {
		d = &doc{seen: make(map[[sha256.Size]byte]int)}
		s.docs[appID] = d
	}

	digest := sha256.Sum256(data)
	if _, dup := d.seen[digest]; dup {
		return false, nil
	}
	d.seen[digest] = len(d.updates)
	d.updates = append(d.updates, data)
	return true, nil
}

// SetAwareness records origin's awareness payload for appId, replacing any
// previous payload from the same origin.
func (s *Store) SetAwareness(appID, originID string, data []byte) error {
	if err := validatePayload(data); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byOrigin, ok := s.awareness[appID]
	if !ok {
		byOrigin = make(map[string][]byte)
		s.awareness[appID] = byOrigin
	}
	byOrigin[originID] = data
	return nil
}

// ClearAwarenessOrigin drops one origin's awareness across all apps. Called
// when a connection leaves the room.
func (s *Store) ClearAwarenessOrigin(originID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, byOrigin := range s.awareness {
		delete(byOrigin, originID)
	}
}

// Sync returns the document updates the client is missing and the current
// awareness snapshot. The state vector is an opaque client artifact; the
// store answers with updates past the client's reported count, falling back
// to the full log when the vector is unparseable. CRDT merges tolerate
// redelivery, so over-answering is safe.
func (s *Store) Sync(appID string, stateVector []byte) (updates, awareness [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d, ok := s.docs[appID]; ok {
		from := parseVectorOffset(stateVector, len(d.updates))
		updates = append(updates, d.updates[from:]...)
	}
	for _, payload := range s.awareness[appID] {
		awareness = append(awareness, payload)
	}
	return updates, awareness
}

// parseVectorOffset interprets the state vector as a little-endian update
// count when it is exactly 4 bytes, else 0 (full resend).
func parseVectorOffset(vector []byte, total int) int {
	if len(vector) != 4 {
		return 0
	}
	n := int(vector[0]) | int(vector[1])<<8 | int(vector[2])<<16 | int(vector[3])<<24
	if n < 0 || n > total {
		return 0
	}
	return n
}

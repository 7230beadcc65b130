package hellodev

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

// ============================================================================
// Credential Store
// ============================================================================

// StoredIdentity is the single durable record: the last known Identity and when it was
// established (login, refresh or a server-confirmed validation).
type StoredIdentity struct {
	Identity Identity  `toml:"identity"`
	SavedAt  time.Time `toml:"saved_at"`
}

// CredentialStore persists the StoredIdentity. It is a cache, never the source of truth,
// and implementations may silently lose writes.
type CredentialStore interface {
	// Load returns nil, nil when nothing is stored.
	Load() (*StoredIdentity, error)
	Save(rec *StoredIdentity) error
	Clear() error
}

// MemoryCredentialStore is a goroutine-safe in-process store.
type MemoryCredentialStore struct {
	mu  sync.RWMutex
	rec *StoredIdentity
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{}
}

func (s *MemoryCredentialStore) Load() (*StoredIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.rec == nil {
		return nil, nil
	}
	c := *s.rec
	return &c, nil
}

func (s *MemoryCredentialStore) Save(rec *StoredIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.rec = &c
	return nil
}

func (s *MemoryCredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	return nil
}

// FileCredentialStore keeps the record in a TOML file.
type FileCredentialStore struct {
	path string
	mu   sync.Mutex
}

// NewFileCredentialStore stores the record at path, creating parent directories on write.
func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path}
}

// Path returns the file location.
func (s *FileCredentialStore) Path() string { return s.path }

func (s *FileCredentialStore) Load() (*StoredIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot read credentials: %w", err)
	}
	var rec StoredIdentity
	if err := toml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("cannot parse credentials: %w", err)
	}
	if rec.Identity.ID == "" {
		return nil, nil
	}
	return &rec, nil
}

func (s *FileCredentialStore) Save(rec *StoredIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := toml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cannot marshal credentials: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("cannot create credentials directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cannot write credentials: %w", err)
	}
	return os.Rename(tmp, s.path)
}

func (s *FileCredentialStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove credentials: %w", err)
	}
	return nil
}

// ============================================================================
// Session
// ============================================================================

// Session owns the process-wide Identity. Every mutation goes through one setter, so
// readers never observe a half-updated Identity, and the credential store is written
// behind it on a best-effort basis.
type Session struct {
	store  CredentialStore
	clock  Clock
	logger zerolog.Logger

	// wmu serializes writers so listeners see changes in order.
	wmu sync.Mutex

	mu            sync.RWMutex
	identity      *Identity
	establishedAt time.Time

	listeners Listeners[*Identity]
}

func newSession(store CredentialStore, clock Clock, logger zerolog.Logger) *Session {
	return &Session{store: store, clock: clock, logger: logger}
}

// Identity returns a copy of the current Identity, or nil.
func (s *Session) Identity() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity.clone()
}

// Authenticated reports whether an Identity is held.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity != nil
}

// EstablishedAt is when the current Identity was last confirmed by the server.
func (s *Session) EstablishedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.establishedAt
}

// OnChange registers h to be called after every Identity change. h receives nil on logout
// or terminal auth failure. h must not call back into the Session's setters.
func (s *Session) OnChange(h func(*Identity)) *Subscription {
	return s.listeners.Add(h)
}

// stored reads the credential store. Absence and corruption both read as "no session".
func (s *Session) stored() *StoredIdentity {
	rec, err := s.store.Load()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Discarding unreadable stored identity")
		_ = s.store.Clear()
		return nil
	}
	return rec
}

// set replaces the Identity wholesale (nil clears it) and persists the change.
func (s *Session) set(id *Identity, reason string) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	now := s.clock.Now()
	s.mu.Lock()
	s.identity = id.clone()
	if id != nil {
		s.establishedAt = now
	} else {
		s.establishedAt = time.Time{}
	}
	s.mu.Unlock()

	if id == nil {
		if err := s.store.Clear(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to clear stored identity")
		}
		s.logger.Info().Str("reason", reason).Msg("Session cleared")
	} else {
		s.persist(&StoredIdentity{Identity: *id, SavedAt: now})
		s.logger.Debug().Str("user_id", id.ID).Str("reason", reason).Msg("Session identity updated")
	}

	s.listeners.emit(id.clone())
}

// persist writes rec, reads it back, and rewrites once if the read-back does not match.
// Some storage backends report success for writes that never land.
func (s *Session) persist(rec *StoredIdentity) {
	if err := s.store.Save(rec); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to persist identity")
	}
	got, err := s.store.Load()
	if err == nil && got != nil && got.Identity == rec.Identity {
		return
	}
	s.logger.Warn().Msg("Stored identity did not verify, forcing rewrite")
	if err := s.store.Save(rec); err != nil {
		s.logger.Warn().Err(err).Msg("Forced identity rewrite failed")
		return
	}
	if got, err := s.store.Load(); err != nil || got == nil || got.Identity != rec.Identity {
		s.logger.Warn().Msg("Stored identity still unverified after rewrite")
	}
}

// restore adopts a stored record without touching the store, used for the cached fallback.
func (s *Session) restore(rec *StoredIdentity) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	s.identity = rec.Identity.clone()
	s.establishedAt = rec.SavedAt
	s.mu.Unlock()

	s.listeners.emit(rec.Identity.clone())
}

// Clear drops the Identity, e.g. when the caller navigates to the logged-out state.
func (s *Session) Clear() {
	s.set(nil, "cleared")
}

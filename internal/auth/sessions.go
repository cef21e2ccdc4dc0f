package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"botdeck/internal/models"
)

const (
	sessionTTL = 7 * 24 * time.Hour
	// Rolling renewal happens at most this often per session, so two
	// overlapping tabs don't turn every request into a store write.
	touchInterval = 5 * time.Minute

	timeFormat = "2006-01-02 15:04:05"
)

// GenerateToken creates a secure random token
func GenerateToken() string {
	bytes := make([]byte, 32)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// Store is the durable, sqlite-backed session store. Touch and Save for
// the same session id run inside a striped critical section to avoid
// lost updates from concurrent requests.
type Store struct {
	db    *sql.DB
	locks [64]sync.Mutex
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.locks[h.Sum32()%uint32(len(s.locks))]
}

// Create persists a new authenticated session and returns it.
func (s *Store) Create(user *models.UserData, authToken string) (*models.Session, error) {
	now := time.Now().UTC()
	sess := &models.Session{
		ID:              uuid.NewString(),
		UserData:        user,
		AuthToken:       authToken,
		Authenticated:   true,
		AuthenticatedAt: now,
		ExpiresAt:       now.Add(sessionTTL),
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}

	_, err = s.db.Exec(
		"INSERT INTO sessions (id, data, expires_at, last_touch) VALUES (?, ?, ?, ?)",
		sess.ID, string(data), sess.ExpiresAt.Format(timeFormat), now.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Get retrieves a session by id, renewing its expiry if the last renewal
// is older than the touch interval. Returns nil for missing or expired
// sessions.
func (s *Store) Get(id string) *models.Session {
	if id == "" {
		return nil
	}

	var data string
	var expiresAt, lastTouch string
	err := s.db.QueryRow(
		"SELECT data, expires_at, last_touch FROM sessions WHERE id = ? AND expires_at > datetime('now')",
		id,
	).Scan(&data, &expiresAt, &lastTouch)
	if err != nil {
		return nil
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		log.Printf("⚠️  Corrupt session %s: %v", id, err)
		s.Destroy(id)
		return nil
	}
	sess.ID = id
	sess.ExpiresAt, _ = time.Parse(timeFormat, expiresAt)

	touched, _ := time.Parse(timeFormat, lastTouch)
	if time.Since(touched) > touchInterval {
		s.touch(id)
		sess.ExpiresAt = time.Now().UTC().Add(sessionTTL)
	}
	return &sess
}

// touch extends the expiry under the session's critical section.
func (s *Store) touch(id string) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC()
	_, err := s.db.Exec(
		"UPDATE sessions SET expires_at = ?, last_touch = ? WHERE id = ?",
		now.Add(sessionTTL).Format(timeFormat), now.Format(timeFormat), id,
	)
	if err != nil {
		log.Printf("⚠️  Session touch failed: %v", err)
	}
}

// Save persists a mutated session under its critical section.
func (s *Store) Save(sess *models.Session) error {
	l := s.lockFor(sess.ID)
	l.Lock()
	defer l.Unlock()

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = s.db.Exec("UPDATE sessions SET data = ? WHERE id = ?", string(data), sess.ID)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Destroy removes a session.
func (s *Store) Destroy(id string) {
	s.db.Exec("DELETE FROM sessions WHERE id = ?", id)
}

// EnsureCSRF lazily sets the session's CSRF token on first use. The
// token is generated once and never rotated for the session's lifetime.
func (s *Store) EnsureCSRF(sess *models.Session) error {
	if sess.CSRFToken != "" {
		return nil
	}
	sess.CSRFToken = GenerateToken()
	return s.Save(sess)
}

// CleanupExpired removes expired sessions from the database.
func (s *Store) CleanupExpired() {
	s.db.Exec("DELETE FROM sessions WHERE expires_at < datetime('now')")
}

// StartCleanup runs CleanupExpired on an interval until stop is closed.
func (s *Store) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.CleanupExpired()
			case <-stop:
				return
			}
		}
	}()
}

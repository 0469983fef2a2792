package message

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// LoginState bridges the OIDC initiate-login redirect and the later
// authentication response. It is keyed by an opaque value (state or message
// hint) minted when the flow starts.
type LoginState struct {
	Nonce        string            `json:"nonce"`
	PlatformID   string            `json:"platform_id"`
	ClientID     string            `json:"client_id"`
	DeploymentID string            `json:"deployment_id"`
	TargetURL    string            `json:"target_url"`
	Params       map[string]string `json:"params,omitempty"`
}

// DefaultStashTTL bounds how long a pending login may wait for its callback.
const DefaultStashTTL = 10 * time.Minute

// Stash is the one-shot login-state store. Take removes the entry it
// returns, so a second Take with the same key observes a miss and the flow
// is rejected as a replay.
type Stash interface {
	Save(ctx context.Context, key string, st LoginState, ttl time.Duration) error
	Take(ctx context.Context, key string) (LoginState, bool, error)
}

type stashEntry struct {
	st      LoginState
	expires time.Time
}

// MemoryStash is a process-local Stash.
type MemoryStash struct {
	mu      sync.Mutex
	entries map[string]stashEntry
}

func NewMemoryStash() *MemoryStash {
	return &MemoryStash{entries: make(map[string]stashEntry)}
}

func (m *MemoryStash) Save(_ context.Context, key string, st LoginState, ttl time.Duration) error {
	if key == "" {
		return errors.New("stash: empty key")
	}
	if ttl <= 0 {
		ttl = DefaultStashTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for k, e := range m.entries {
		if !e.expires.After(now) {
			delete(m.entries, k)
		}
	}
	m.entries[key] = stashEntry{st: st, expires: now.Add(ttl)}
	return nil
}

func (m *MemoryStash) Take(_ context.Context, key string) (LoginState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return LoginState{}, false, nil
	}
	delete(m.entries, key)
	if !e.expires.After(time.Now()) {
		return LoginState{}, false, nil
	}
	return e.st, true, nil
}

// SQLStash persists pending logins in the lti_login_states table so the
// callback may land on a different process.
type SQLStash struct {
	db *sql.DB
}

func NewSQLStash(db *sql.DB) *SQLStash { return &SQLStash{db: db} }

func (s *SQLStash) Save(ctx context.Context, key string, st LoginState, ttl time.Duration) error {
	if key == "" {
		return errors.New("stash: empty key")
	}
	if ttl <= 0 {
		ttl = DefaultStashTTL
	}
	blob, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lti_login_states (state, payload, expires_at) VALUES ($1,$2,$3)
		ON CONFLICT (state) DO UPDATE SET payload = excluded.payload, expires_at = excluded.expires_at`,
		key, string(blob), time.Now().UTC().Add(ttl).Unix())
	return err
}

func (s *SQLStash) Take(ctx context.Context, key string) (LoginState, bool, error) {
	var blob string
	var expires int64
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM lti_login_states WHERE state=$1 RETURNING payload, expires_at`, key).
		Scan(&blob, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return LoginState{}, false, nil
	}
	if err != nil {
		return LoginState{}, false, err
	}
	if time.Now().UTC().Unix() > expires {
		return LoginState{}, false, nil
	}
	var st LoginState
	if err := json.Unmarshal([]byte(blob), &st); err != nil {
		return LoginState{}, false, err
	}
	return st, true, nil
}

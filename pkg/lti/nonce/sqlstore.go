package nonce

import (
	"context"
	"database/sql"
	"time"
)

// SQLStore persists consumed nonces in the lti_nonces table, shared across
// processes. Atomicity comes from the primary key on (principal, value): the
// upsert only lands when no live row exists.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{db: db} }

func (s *SQLStore) Claim(ctx context.Context, principal, value string, ttl time.Duration) (bool, error) {
	principal, value, err := normalize(principal, value)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO lti_nonces (principal, value, expires_at) VALUES ($1,$2,$3)
		ON CONFLICT (principal, value) DO UPDATE SET expires_at = excluded.expires_at
		WHERE lti_nonces.expires_at < $4`,
		principal, value, now.Add(ttlOrDefault(ttl)).Unix(), now.Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLStore) Delete(ctx context.Context, principal, value string) error {
	principal, value, err := normalize(principal, value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM lti_nonces WHERE principal=$1 AND value=$2`, principal, value)
	return err
}

// Purge removes expired rows. Intended for a periodic background sweep.
func (s *SQLStore) Purge(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM lti_nonces WHERE expires_at < $1`, time.Now().UTC().Unix())
	return err
}

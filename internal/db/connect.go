package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:ltiauth.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/ltiauth?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	var schema string
	switch driver {
	case DriverSQLite:
		schema = schemaSQLite
	case DriverPostgres:
		schema = schemaPostgres
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS lti_platforms (
  name TEXT NOT NULL DEFAULT '',
  consumer_key TEXT NOT NULL DEFAULT '',
  secret TEXT NOT NULL DEFAULT '',
  platform_id TEXT NOT NULL DEFAULT '',
  client_id TEXT NOT NULL DEFAULT '',
  deployment_id TEXT NOT NULL DEFAULT '',
  auth_server_id TEXT NOT NULL DEFAULT '',
  auth_url TEXT NOT NULL DEFAULT '',
  token_url TEXT NOT NULL DEFAULT '',
  jku TEXT NOT NULL DEFAULT '',
  public_key_pem TEXT NOT NULL DEFAULT '',
  kid TEXT NOT NULL DEFAULT '',
  signature_method TEXT NOT NULL DEFAULT 'RS256',
  encryption_method TEXT NOT NULL DEFAULT '',
  scopes TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (platform_id, client_id, deployment_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS lti_platforms_consumer_key
  ON lti_platforms (consumer_key) WHERE consumer_key <> '';

CREATE TABLE IF NOT EXISTS lti_nonces (
  principal TEXT NOT NULL,
  value TEXT NOT NULL,
  expires_at INTEGER NOT NULL,
  PRIMARY KEY (principal, value)
);

CREATE TABLE IF NOT EXISTS lti_login_states (
  state TEXT PRIMARY KEY,
  payload TEXT NOT NULL,
  expires_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS lti_platforms (
  name TEXT NOT NULL DEFAULT '',
  consumer_key TEXT NOT NULL DEFAULT '',
  secret TEXT NOT NULL DEFAULT '',
  platform_id TEXT NOT NULL DEFAULT '',
  client_id TEXT NOT NULL DEFAULT '',
  deployment_id TEXT NOT NULL DEFAULT '',
  auth_server_id TEXT NOT NULL DEFAULT '',
  auth_url TEXT NOT NULL DEFAULT '',
  token_url TEXT NOT NULL DEFAULT '',
  jku TEXT NOT NULL DEFAULT '',
  public_key_pem TEXT NOT NULL DEFAULT '',
  kid TEXT NOT NULL DEFAULT '',
  signature_method TEXT NOT NULL DEFAULT 'RS256',
  encryption_method TEXT NOT NULL DEFAULT '',
  scopes TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (platform_id, client_id, deployment_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS lti_platforms_consumer_key
  ON lti_platforms (consumer_key) WHERE consumer_key <> '';

CREATE TABLE IF NOT EXISTS lti_nonces (
  principal TEXT NOT NULL,
  value TEXT NOT NULL,
  expires_at BIGINT NOT NULL,
  PRIMARY KEY (principal, value)
);

CREATE TABLE IF NOT EXISTS lti_login_states (
  state TEXT PRIMARY KEY,
  payload TEXT NOT NULL,
  expires_at BIGINT NOT NULL
);
`

package db_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/edubridge/ltiauth/internal/db"
	"github.com/edubridge/ltiauth/pkg/lti/message"
	"github.com/edubridge/ltiauth/pkg/lti/nonce"
	"github.com/edubridge/ltiauth/pkg/lti/principal"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "ltiauth.db")
	dbh, err := db.Open(context.Background(), db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { dbh.Close() })
	return dbh
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := db.Open(context.Background(), db.Driver("mysql"), "")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestNonceStoreSQLite(t *testing.T) {
	dbh := openSQLite(t)
	ctx := context.Background()
	store := nonce.NewSQLStore(dbh)

	ok, err := store.Claim(ctx, "consumer-1", "n-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}
	ok, err = store.Claim(ctx, "consumer-1", "n-1", time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if ok {
		t.Fatal("reused nonce admitted")
	}
	// A different principal may use the same value.
	ok, err = store.Claim(ctx, "consumer-2", "n-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("cross-principal claim = %v, %v", ok, err)
	}
	// Expired rows are reclaimed in place.
	if _, err := store.Claim(ctx, "consumer-1", "n-old", time.Minute); err != nil {
		t.Fatal(err)
	}
	_, err = dbh.ExecContext(ctx,
		`UPDATE lti_nonces SET expires_at=$1 WHERE principal=$2 AND value=$3`,
		time.Now().Add(-time.Hour).Unix(), "consumer-1", "n-old")
	if err != nil {
		t.Fatal(err)
	}
	ok, err = store.Claim(ctx, "consumer-1", "n-old", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expired reclaim = %v, %v", ok, err)
	}
}

func TestLoginStashSQLite(t *testing.T) {
	dbh := openSQLite(t)
	ctx := context.Background()
	stash := message.NewSQLStash(dbh)

	st := message.LoginState{
		Nonce:      "nonce-1",
		PlatformID: "https://platform.example.com",
		ClientID:   "client-1",
		TargetURL:  "https://tool.example.org/launch",
		Params:     map[string]string{"resource_link_id": "rl-1"},
	}
	if err := stash.Save(ctx, "state-1", st, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := stash.Take(ctx, "state-1")
	if err != nil || !ok {
		t.Fatalf("take = %v, %v", ok, err)
	}
	if got.Nonce != "nonce-1" || got.Params["resource_link_id"] != "rl-1" {
		t.Fatalf("state = %+v", got)
	}
	// One shot: the row is gone.
	if _, ok, _ := stash.Take(ctx, "state-1"); ok {
		t.Fatal("state served twice")
	}
	// Expired entries do not resolve.
	if err := stash.Save(ctx, "state-2", st, time.Minute); err != nil {
		t.Fatal(err)
	}
	_, err = dbh.ExecContext(ctx,
		`UPDATE lti_login_states SET expires_at=$1 WHERE state=$2`,
		time.Now().Add(-time.Hour).Unix(), "state-2")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := stash.Take(ctx, "state-2"); ok {
		t.Fatal("expired state served")
	}
}

func TestPlatformRegistrySQLite(t *testing.T) {
	dbh := openSQLite(t)
	ctx := context.Background()
	reg := principal.NewSQLRegistry(dbh)

	_, err := dbh.ExecContext(ctx, `
		INSERT INTO lti_platforms
		  (name, consumer_key, secret, platform_id, client_id, deployment_id, signature_method, scopes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		"Campus LMS", "key-1", "sekrit",
		"https://platform.example.com", "client-1", "dep-1",
		principal.MethodHMACSHA256,
		"https://purl.imsglobal.org/spec/lti-ags/scope/score")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	p, err := reg.FindByConsumerKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("by key: %v", err)
	}
	if p.Secret != "sekrit" || p.Name != "Campus LMS" {
		t.Fatalf("platform = %+v", p)
	}
	if len(p.Scopes) != 1 {
		t.Errorf("scopes = %v", p.Scopes)
	}

	p, err = reg.Find(ctx, "https://platform.example.com", "client-1", "dep-1")
	if err != nil {
		t.Fatalf("by triple: %v", err)
	}
	if p.ClientID != "client-1" {
		t.Fatalf("platform = %+v", p)
	}
	if _, err := reg.Find(ctx, "https://platform.example.com", "client-1", "other"); err == nil {
		t.Fatal("expected miss for wrong deployment")
	}
}

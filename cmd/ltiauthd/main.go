package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edubridge/ltiauth/internal/config"
	"github.com/edubridge/ltiauth/internal/db"
	"github.com/edubridge/ltiauth/internal/httpapi"
	"github.com/edubridge/ltiauth/pkg/lti/message"
	"github.com/edubridge/ltiauth/pkg/lti/nonce"
	"github.com/edubridge/ltiauth/pkg/lti/principal"
	"github.com/edubridge/ltiauth/pkg/lti/token"
)

func main() {
	configPath := flag.String("config", "", "optional config file (YAML or .env)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	dbh, err := db.Open(dbCtx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		logger.Error("db open failed", "driver", cfg.DBDriver, "err", err)
		os.Exit(1)
	}
	defer dbh.Close()

	signingKey, kid, err := loadSigningKey(cfg)
	if err != nil {
		logger.Error("signing key", "err", err)
		os.Exit(1)
	}

	tokens := token.Config{
		Backend:            cfg.TokenBackend,
		Leeway:             cfg.ClockLeeway,
		Strict:             cfg.StrictMessages,
		DisableKeyAutosave: cfg.DisableKeyAutosave,
	}
	registry := principal.NewSQLRegistry(dbh)
	nonces := nonce.NewSQLStore(dbh)
	stash := message.NewSQLStash(dbh)

	identity := &principal.Platform{
		Principal: principal.Principal{
			PrivateKey:      signingKey,
			PrivateKID:      kid,
			SignatureMethod: principal.MethodRS256,
		},
		Name:       cfg.ToolName,
		PlatformID: cfg.PublicBaseURL,
	}

	srv := &httpapi.Server{
		Auth: &message.Authenticator{
			Registry:         registry,
			Nonces:           nonces,
			Stash:            stash,
			Tokens:           tokens,
			Tool:             localTool(cfg, signingKey, kid),
			GenerateWarnings: cfg.GenerateWarnings,
			NonceTTL:         cfg.NonceTTL,
			Logger:           logger,
		},
		Signer:        &message.Signer{Tokens: tokens, Stash: stash},
		Issuer:        &message.AccessTokenIssuer{Tokens: tokens, TTL: cfg.AccessTokenTTL},
		Verifier:      &message.AccessTokenVerifier{Registry: registry, Nonces: nonces, Tokens: tokens},
		Registry:      registry,
		Identity:      identity,
		PublicBaseURL: cfg.PublicBaseURL,
		CORSOrigins:   cfg.CORSOrigins,
		Logger:        logger,
	}
	if tool := registeredTool(cfg); tool != nil {
		srv.ResolveTool = func(ctx context.Context, clientID string) (*principal.Tool, error) {
			return tool, nil
		}
	}

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.HTTPAddr, "db", cfg.DBDriver, "backend", cfg.TokenBackend)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "err", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// loadSigningKey reads the configured PEM key, or mints an ephemeral one
// when none is configured. Ephemeral keys change on restart, so anything
// signed before the restart stops verifying.
func loadSigningKey(cfg *config.Config) (*rsa.PrivateKey, string, error) {
	if cfg.PrivateKeyFile != "" {
		raw, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, "", fmt.Errorf("read %s: %w", cfg.PrivateKeyFile, err)
		}
		key, err := token.ParsePrivateKeyPEM(string(raw))
		if err != nil {
			return nil, "", fmt.Errorf("parse %s: %w", cfg.PrivateKeyFile, err)
		}
		kid := cfg.KeyID
		if kid == "" {
			kid = token.MakeKID(&key.PublicKey)
		}
		return key, kid, nil
	}
	slog.Warn("no PRIVATE_KEY_FILE configured, generating an ephemeral signing key")
	key, err := token.GenerateKey(principal.MethodRS256)
	if err != nil {
		return nil, "", err
	}
	return key, token.MakeKID(&key.PublicKey), nil
}

// localTool carries this deployment's own credentials into the
// authenticator so encrypted launches can be decrypted.
func localTool(cfg *config.Config, key *rsa.PrivateKey, kid string) *principal.Tool {
	return &principal.Tool{
		Principal: principal.Principal{
			PrivateKey:      key,
			PrivateKID:      kid,
			SignatureMethod: principal.MethodRS256,
		},
		Name:             cfg.ToolName,
		BaseURL:          cfg.PublicBaseURL,
		InitiateLoginURL: cfg.PublicBaseURL + "/lti/login",
	}
}

// registeredTool is the remote tool the authorize endpoint launches into;
// nil when none is configured.
func registeredTool(cfg *config.Config) *principal.Tool {
	if cfg.ToolBaseURL == "" {
		return nil
	}
	return &principal.Tool{
		BaseURL:          cfg.ToolBaseURL,
		InitiateLoginURL: cfg.ToolLoginURL,
		RedirectURIs:     cfg.ToolRedirectURIs,
	}
}

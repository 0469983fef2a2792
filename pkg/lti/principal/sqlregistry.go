package principal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/edubridge/ltiauth/pkg/lti/token"
)

// SQLRegistry reads platform registrations from the lti_platforms table.
type SQLRegistry struct {
	db *sql.DB
}

func NewSQLRegistry(db *sql.DB) *SQLRegistry { return &SQLRegistry{db: db} }

const platformColumns = `name, consumer_key, secret, platform_id, client_id, deployment_id,
	auth_server_id, auth_url, token_url, jku, public_key_pem, kid,
	signature_method, encryption_method, scopes`

func (r *SQLRegistry) FindByConsumerKey(ctx context.Context, key string) (*Platform, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+platformColumns+` FROM lti_platforms WHERE consumer_key=$1`, key)
	return scanPlatform(row)
}

func (r *SQLRegistry) Find(ctx context.Context, iss, clientID, deploymentID string) (*Platform, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+platformColumns+` FROM lti_platforms
		 WHERE platform_id=$1 AND client_id=$2 AND deployment_id=$3`,
		iss, clientID, deploymentID)
	return scanPlatform(row)
}

func (r *SQLRegistry) SavePublicKey(ctx context.Context, p *Platform) error {
	pem := ""
	if p.PublicKey != nil {
		var err error
		pem, err = token.PublicKeyPEM(p.PublicKey)
		if err != nil {
			return fmt.Errorf("principal: encode public key: %w", err)
		}
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE lti_platforms SET public_key_pem=$1, kid=$2
		 WHERE platform_id=$3 AND client_id=$4 AND deployment_id=$5`,
		pem, p.KID, p.PlatformID, p.ClientID, p.DeploymentID)
	return err
}

func scanPlatform(row *sql.Row) (*Platform, error) {
	var p Platform
	var pubPEM, scopes string
	err := row.Scan(&p.Name, &p.Key, &p.Secret, &p.PlatformID, &p.ClientID, &p.DeploymentID,
		&p.AuthorizationServerID, &p.AuthenticationURL, &p.AccessTokenURL, &p.JKU,
		&pubPEM, &p.KID, &p.SignatureMethod, &p.EncryptionMethod, &scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if pubPEM != "" {
		pub, err := token.ParsePublicKeyPEM(pubPEM)
		if err != nil {
			return nil, fmt.Errorf("principal: stored public key: %w", err)
		}
		p.PublicKey = pub
	}
	if scopes != "" {
		p.Scopes = strings.Fields(scopes)
	}
	return &p, nil
}

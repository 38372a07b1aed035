package lrs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kimsama/lrsql/internal/keys"
	"github.com/kimsama/lrsql/internal/scopes"
	"github.com/kimsama/lrsql/internal/storage"
	"github.com/kimsama/lrsql/internal/xapi"
)

// Op is an access-controlled operation of the record store.
type Op int

const (
	OpStatementsWrite Op = iota
	OpStatementsRead
	OpStateRead
	OpStateWrite
	OpProfileRead
	OpProfileWrite
	OpAgentsRead
	OpActivitiesRead
)

var opGrants = map[Op][]scopes.Scope{
	OpStatementsWrite: {scopes.All, scopes.StatementsWrite},
	OpStatementsRead:  {scopes.All, scopes.AllRead, scopes.StatementsRead, scopes.StatementsReadMine},
	OpStateRead:       {scopes.All, scopes.AllRead, scopes.State},
	OpStateWrite:      {scopes.All, scopes.State},
	OpProfileRead:     {scopes.All, scopes.AllRead, scopes.Profile},
	OpProfileWrite:    {scopes.All, scopes.Profile, scopes.Define},
	OpAgentsRead:      {scopes.All, scopes.AllRead, scopes.StatementsRead},
	OpActivitiesRead:  {scopes.All, scopes.AllRead, scopes.StatementsRead},
}

// Authorization is the resolved identity of an authenticated credential:
// its granted scopes and the authority agent stamped onto statements it
// writes. The key pair is kept so each operation can re-resolve the
// credential inside its own transaction.
type Authorization struct {
	CredentialID string
	APIKey       string
	SecretKey    string
	AccountID    string
	Scopes       scopes.Set
	Authority    xapi.Agent
	AuthorityIFI string
}

// Authenticate resolves a basic-auth key pair. An unknown or malformed
// pair fails with ErrForbidden; a credential without explicit scope rows
// receives the default scope set.
func (s *Service) Authenticate(ctx context.Context, apiKey, secretKey string) (*Authorization, error) {
	if err := keys.Validate(apiKey, secretKey); err != nil {
		return nil, ErrForbidden
	}

	var authz *Authorization
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		authz, err = s.resolveAuthorization(ctx, tx, apiKey, secretKey)
		return err
	})
	if err != nil {
		return nil, err
	}
	return authz, nil
}

// resolveAuthorization looks the key pair up inside tx and builds the
// authorization from the credential's current scope rows.
func (s *Service) resolveAuthorization(ctx context.Context, tx pgx.Tx, apiKey, secretKey string) (*Authorization, error) {
	cred, err := s.store.CredentialForAuth(ctx, tx, apiKey, secretKey)
	if err != nil {
		if errors.Is(err, storage.ErrCredentialNotFound) {
			return nil, ErrForbidden
		}
		return nil, err
	}

	var set scopes.Set
	if len(cred.Scopes) == 0 {
		set = scopes.Defaults()
	} else {
		set, err = scopes.ParseSet(cred.Scopes)
		if err != nil {
			return nil, fmt.Errorf("decode credential scopes: %w", err)
		}
	}

	authority := xapi.Agent{
		ObjectType: "Agent",
		Name:       s.cfg.AuthorityName,
		Account: &xapi.Account{
			HomePage: s.cfg.AuthorityHomePage,
			Name:     apiKey,
		},
	}

	return &Authorization{
		CredentialID: cred.ID.String(),
		APIKey:       apiKey,
		SecretKey:    secretKey,
		AccountID:    cred.AccountID.String(),
		Scopes:       set,
		Authority:    authority,
		AuthorityIFI: authority.IFI(),
	}, nil
}

// authorize re-resolves the credential inside tx and checks op against
// its current scopes. A credential revoked after Authenticate fails here
// with ErrForbidden, so the operation's transaction never commits work
// under stale scopes.
func (s *Service) authorize(ctx context.Context, tx pgx.Tx, authz *Authorization, op Op) (mineOnly bool, err error) {
	if authz == nil {
		return false, ErrForbidden
	}
	fresh, err := s.resolveAuthorization(ctx, tx, authz.APIKey, authz.SecretKey)
	if err != nil {
		return false, err
	}
	authz.Scopes = fresh.Scopes
	return s.Authorize(authz, op)
}

// Authorize checks that the authorization covers op. For statement reads
// the returned flag reports whether results must be restricted to the
// caller's own authority.
func (s *Service) Authorize(authz *Authorization, op Op) (mineOnly bool, err error) {
	if authz == nil {
		return false, ErrForbidden
	}
	granted := false
	for _, scope := range opGrants[op] {
		if authz.Scopes.Contains(scope) {
			granted = true
			break
		}
	}
	if !granted {
		return false, ErrForbidden
	}
	if op == OpStatementsRead {
		broad := authz.Scopes.Contains(scopes.All) ||
			authz.Scopes.Contains(scopes.AllRead) ||
			authz.Scopes.Contains(scopes.StatementsRead)
		return !broad, nil
	}
	return false, nil
}

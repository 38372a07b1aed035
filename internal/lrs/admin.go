package lrs

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kimsama/lrsql/internal/keys"
	"github.com/kimsama/lrsql/internal/scopes"
	"github.com/kimsama/lrsql/internal/security"
	"github.com/kimsama/lrsql/internal/storage"
)

const minPasswordLength = 8

// CreateAccount registers an admin account with an argon2id password hash.
func (s *Service) CreateAccount(ctx context.Context, username, password string) (storage.AdminAccount, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return storage.AdminAccount{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if len(password) < minPasswordLength {
		return storage.AdminAccount{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLength)
	}

	hash, err := security.HashPassword(password, s.cfg.Argon)
	if err != nil {
		return storage.AdminAccount{}, fmt.Errorf("hash password: %w", err)
	}
	acct := storage.AdminAccount{
		ID:           uuid.New(),
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.InsertAccount(ctx, acct); err != nil {
		return storage.AdminAccount{}, err
	}
	s.logger.Info("admin account created", "account_id", acct.ID, "username", username)
	return acct, nil
}

// VerifyLogin checks an admin username/password pair and returns the
// account on success. Token minting is the caller's business.
func (s *Service) VerifyLogin(ctx context.Context, username, password string) (storage.AdminAccount, error) {
	acct, err := s.store.GetAccountByUsername(ctx, username)
	if err != nil {
		return storage.AdminAccount{}, err
	}
	ok, err := security.VerifyPassword(password, acct.PasswordHash)
	if err != nil {
		return storage.AdminAccount{}, fmt.Errorf("verify password: %w", err)
	}
	if !ok {
		return storage.AdminAccount{}, ErrInvalidPassword
	}
	return acct, nil
}

func (s *Service) ListAccounts(ctx context.Context) ([]storage.AdminAccount, error) {
	return s.store.ListAccounts(ctx)
}

// DeleteAccount removes the account and, through the schema, its
// credentials and their scopes.
func (s *Service) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	s.logger.Info("admin account deleted", "account_id", id)
	return nil
}

// CreateAPIKeys mints a fresh api key / secret key pair for the account.
// An empty scope list grants the default scopes.
func (s *Service) CreateAPIKeys(ctx context.Context, accountID uuid.UUID, label string, scopeTokens []string) (storage.Credential, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return storage.Credential{}, err
	}

	var grant scopes.Set
	if len(scopeTokens) == 0 {
		grant = scopes.Defaults()
	} else {
		var err error
		grant, err = scopes.ParseSet(scopeTokens)
		if err != nil {
			return storage.Credential{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	apiKey, secretKey, err := keys.GeneratePair()
	if err != nil {
		return storage.Credential{}, fmt.Errorf("generate key pair: %w", err)
	}
	cred := storage.Credential{
		ID:        uuid.New(),
		AccountID: accountID,
		APIKey:    apiKey,
		SecretKey: secretKey,
		Label:     label,
		Scopes:    grant.Tokens(),
		CreatedAt: s.now().UTC(),
	}
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		return s.store.InsertCredential(ctx, tx, cred, cred.Scopes)
	})
	if err != nil {
		return storage.Credential{}, err
	}
	s.logger.Info("api keys created", "account_id", accountID, "credential_id", cred.ID, "scopes", cred.Scopes)
	return cred, nil
}

// GetAPIKeys lists the account's credentials with their scopes.
func (s *Service) GetAPIKeys(ctx context.Context, accountID uuid.UUID) ([]storage.Credential, error) {
	return s.store.ListCredentials(ctx, accountID)
}

// UpdateAPIKeys reconciles the credential's stored scopes against the
// requested set: scopes present on neither side are untouched, missing
// ones are inserted, surplus ones removed, all in one transaction. An
// empty requested set clears every scope row, so the credential falls
// back to the default grants on its next use.
func (s *Service) UpdateAPIKeys(ctx context.Context, accountID uuid.UUID, apiKey, secretKey string, scopeTokens []string) (storage.Credential, error) {
	target, err := scopes.ParseSet(scopeTokens)
	if err != nil {
		return storage.Credential{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	var cred storage.Credential
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		cred, err = s.store.GetCredential(ctx, tx, accountID, apiKey, secretKey)
		if err != nil {
			return err
		}
		currentTokens, err := s.store.ScopesFor(ctx, tx, cred.ID)
		if err != nil {
			return err
		}
		current, err := scopes.ParseSet(currentTokens)
		if err != nil {
			return fmt.Errorf("decode credential scopes: %w", err)
		}

		if toAdd := target.Diff(current); len(toAdd) > 0 {
			if err := s.store.AddScopes(ctx, tx, cred.ID, toAdd.Tokens()); err != nil {
				return err
			}
		}
		if toRemove := current.Diff(target); len(toRemove) > 0 {
			if err := s.store.RemoveScopes(ctx, tx, cred.ID, toRemove.Tokens()); err != nil {
				return err
			}
		}
		cred.Scopes = target.Tokens()
		return nil
	})
	if err != nil {
		return storage.Credential{}, err
	}
	s.logger.Info("api key scopes updated", "account_id", accountID, "credential_id", cred.ID, "scopes", cred.Scopes)
	return cred, nil
}

// DeleteAPIKeys removes the credential named by the exact account, api
// key and secret key triple.
func (s *Service) DeleteAPIKeys(ctx context.Context, accountID uuid.UUID, apiKey, secretKey string) error {
	if err := s.store.DeleteCredential(ctx, accountID, apiKey, secretKey); err != nil {
		return err
	}
	s.logger.Info("api keys deleted", "account_id", accountID)
	return nil
}

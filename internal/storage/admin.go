package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) InsertAccount(ctx context.Context, acct AdminAccount) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO admin_accounts (id, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`, acct.ID, acct.Username, acct.PasswordHash, acct.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (s *Store) GetAccountByUsername(ctx context.Context, username string) (AdminAccount, error) {
	var acct AdminAccount
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at
		FROM admin_accounts
		WHERE username = $1
	`, username)
	if err := row.Scan(&acct.ID, &acct.Username, &acct.PasswordHash, &acct.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AdminAccount{}, ErrAccountNotFound
		}
		return AdminAccount{}, err
	}
	return acct, nil
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (AdminAccount, error) {
	var acct AdminAccount
	row := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at
		FROM admin_accounts
		WHERE id = $1
	`, id)
	if err := row.Scan(&acct.ID, &acct.Username, &acct.PasswordHash, &acct.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return AdminAccount{}, ErrAccountNotFound
		}
		return AdminAccount{}, err
	}
	return acct, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]AdminAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, username, password_hash, created_at
		FROM admin_accounts
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []AdminAccount
	for rows.Next() {
		var acct AdminAccount
		if err := rows.Scan(&acct.ID, &acct.Username, &acct.PasswordHash, &acct.CreatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

// DeleteAccount removes the account and, via cascade, its credentials and
// their scopes.
func (s *Store) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM admin_accounts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (s *Store) InsertCredential(ctx context.Context, tx pgx.Tx, cred Credential, scopes []string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO lrs_credentials (id, account_id, api_key, secret_key, label, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, cred.ID, cred.AccountID, cred.APIKey, cred.SecretKey, cred.Label, cred.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return s.AddScopes(ctx, tx, cred.ID, scopes)
}

// GetCredential locks and returns the credential owned by accountID with
// the given key pair.
func (s *Store) GetCredential(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, apiKey, secretKey string) (Credential, error) {
	var cred Credential
	row := tx.QueryRow(ctx, `
		SELECT id, account_id, api_key, secret_key, label, created_at
		FROM lrs_credentials
		WHERE account_id = $1 AND api_key = $2 AND secret_key = $3
		FOR UPDATE
	`, accountID, apiKey, secretKey)
	if err := row.Scan(&cred.ID, &cred.AccountID, &cred.APIKey, &cred.SecretKey, &cred.Label, &cred.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credential{}, ErrCredentialNotFound
		}
		return Credential{}, err
	}
	return cred, nil
}

func (s *Store) ListCredentials(ctx context.Context, accountID uuid.UUID) ([]Credential, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.account_id, c.api_key, c.secret_key, c.label, c.created_at, cs.scope
		FROM lrs_credentials c
		LEFT JOIN credential_scopes cs ON cs.credential_id = c.id
		WHERE c.account_id = $1
		ORDER BY c.created_at, c.id, cs.scope
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectCredentials(rows)
}

// DeleteCredential removes the credential matching all three of account,
// api key, and secret key. Scopes cascade.
func (s *Store) DeleteCredential(ctx context.Context, accountID uuid.UUID, apiKey, secretKey string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM lrs_credentials
		WHERE account_id = $1 AND api_key = $2 AND secret_key = $3
	`, accountID, apiKey, secretKey)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

// CredentialForAuth resolves a key pair to its credential and granted
// scope tokens. A credential with no scope rows comes back with an empty
// Scopes slice; an unknown pair fails with ErrCredentialNotFound. The
// lookup runs inside the caller's transaction so a revocation cannot
// slip in between the check and the operation it guards.
func (s *Store) CredentialForAuth(ctx context.Context, tx pgx.Tx, apiKey, secretKey string) (Credential, error) {
	rows, err := tx.Query(ctx, `
		SELECT c.id, c.account_id, c.api_key, c.secret_key, c.label, c.created_at, cs.scope
		FROM lrs_credentials c
		LEFT JOIN credential_scopes cs ON cs.credential_id = c.id
		WHERE c.api_key = $1 AND c.secret_key = $2
		ORDER BY cs.scope
	`, apiKey, secretKey)
	if err != nil {
		return Credential{}, err
	}
	defer rows.Close()

	creds, err := collectCredentials(rows)
	if err != nil {
		return Credential{}, err
	}
	if len(creds) == 0 {
		return Credential{}, ErrCredentialNotFound
	}
	return creds[0], nil
}

func (s *Store) ScopesFor(ctx context.Context, tx pgx.Tx, credentialID uuid.UUID) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT scope FROM credential_scopes
		WHERE credential_id = $1
		ORDER BY scope
	`, credentialID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

func (s *Store) AddScopes(ctx context.Context, tx pgx.Tx, credentialID uuid.UUID, scopes []string) error {
	for _, scope := range scopes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO credential_scopes (credential_id, scope)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, credentialID, scope); err != nil {
			return fmt.Errorf("add scope: %w", err)
		}
	}
	return nil
}

func (s *Store) RemoveScopes(ctx context.Context, tx pgx.Tx, credentialID uuid.UUID, scopes []string) error {
	if len(scopes) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		DELETE FROM credential_scopes
		WHERE credential_id = $1 AND scope = ANY($2::text[])
	`, credentialID, scopes)
	if err != nil {
		return fmt.Errorf("remove scopes: %w", err)
	}
	return nil
}

func collectCredentials(rows pgx.Rows) ([]Credential, error) {
	var creds []Credential
	index := map[uuid.UUID]int{}
	for rows.Next() {
		var cred Credential
		var scope *string
		if err := rows.Scan(&cred.ID, &cred.AccountID, &cred.APIKey, &cred.SecretKey, &cred.Label, &cred.CreatedAt, &scope); err != nil {
			return nil, err
		}
		i, ok := index[cred.ID]
		if !ok {
			i = len(creds)
			index[cred.ID] = i
			creds = append(creds, cred)
		}
		if scope != nil {
			creds[i].Scopes = append(creds[i].Scopes, *scope)
		}
	}
	return creds, rows.Err()
}

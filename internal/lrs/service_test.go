package lrs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kimsama/lrsql/internal/scopes"
	"github.com/kimsama/lrsql/internal/security"
	"github.com/kimsama/lrsql/internal/storage"
	"github.com/kimsama/lrsql/internal/xapi"
)

type fakeStore struct {
	inputs      []storage.StatementInput
	seen        map[uuid.UUID]bool
	insertErr   error
	failAfter   int
	descendants map[uuid.UUID][]uuid.UUID

	page        storage.StatementPage
	queryErr    error
	lastFilter  storage.StatementFilter
	statements  map[uuid.UUID][]byte
	attachments []storage.AttachmentRow
	through     time.Time

	actors     map[string][]byte
	activities map[string][]byte

	docs        map[storage.DocumentKey]storage.Document
	docIDs      []string
	lastDocKey  storage.DocumentKey
	lastSince   time.Time
	bulkDeletes []storage.DocumentKey

	accounts    map[uuid.UUID]storage.AdminAccount
	creds       map[uuid.UUID]storage.Credential
	scopeRows   map[uuid.UUID][]string
	added       [][]string
	removed     [][]string
	authCred    storage.Credential
	authErr     error
	grantTokens []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		seen:        make(map[uuid.UUID]bool),
		descendants: make(map[uuid.UUID][]uuid.UUID),
		statements:  make(map[uuid.UUID][]byte),
		actors:      make(map[string][]byte),
		activities:  make(map[string][]byte),
		docs:        make(map[storage.DocumentKey]storage.Document),
		accounts:    make(map[uuid.UUID]storage.AdminAccount),
		creds:       make(map[uuid.UUID]storage.Credential),
		scopeRows:   make(map[uuid.UUID][]string),
	}
}

func (f *fakeStore) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return fn(nil)
}

func (f *fakeStore) InsertStatementInput(ctx context.Context, tx pgx.Tx, in storage.StatementInput) (bool, error) {
	if f.insertErr != nil && len(f.inputs) >= f.failAfter {
		return false, f.insertErr
	}
	if f.seen[in.Statement.ID] {
		return false, nil
	}
	f.seen[in.Statement.ID] = true
	f.inputs = append(f.inputs, in)
	f.statements[in.Statement.ID] = in.Statement.Payload
	return true, nil
}

func (f *fakeStore) Descendants(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, id := range ids {
		out = append(out, f.descendants[id]...)
	}
	return out, nil
}

func (f *fakeStore) QueryStatements(ctx context.Context, tx pgx.Tx, filter storage.StatementFilter) (storage.StatementPage, error) {
	f.lastFilter = filter
	return f.page, f.queryErr
}

func (f *fakeStore) GetStatement(ctx context.Context, tx pgx.Tx, id uuid.UUID, voided bool) ([]byte, error) {
	payload, ok := f.statements[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return payload, nil
}

func (f *fakeStore) ConsistentThrough(ctx context.Context, tx pgx.Tx) (time.Time, error) {
	return f.through, nil
}

func (f *fakeStore) Attachments(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) ([]storage.AttachmentRow, error) {
	return f.attachments, nil
}

func (f *fakeStore) GetActor(ctx context.Context, tx pgx.Tx, ifi string) ([]byte, error) {
	payload, ok := f.actors[ifi]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return payload, nil
}

func (f *fakeStore) GetActivity(ctx context.Context, tx pgx.Tx, iri string) ([]byte, error) {
	payload, ok := f.activities[iri]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return payload, nil
}

func (f *fakeStore) GetDocument(ctx context.Context, tx pgx.Tx, key storage.DocumentKey) (storage.Document, error) {
	doc, ok := f.docs[key]
	if !ok {
		return storage.Document{}, storage.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) PutDocument(ctx context.Context, tx pgx.Tx, doc storage.Document) error {
	f.docs[doc.Key] = doc
	return nil
}

func (f *fakeStore) MergeDocument(ctx context.Context, tx pgx.Tx, doc storage.Document) error {
	existing, ok := f.docs[doc.Key]
	if !ok {
		f.docs[doc.Key] = doc
		return nil
	}
	if existing.ContentType != "application/json" || doc.ContentType != "application/json" {
		return storage.ErrContentTypeMismatch
	}
	f.docs[doc.Key] = doc
	return nil
}

func (f *fakeStore) DeleteDocument(ctx context.Context, tx pgx.Tx, key storage.DocumentKey) error {
	delete(f.docs, key)
	return nil
}

func (f *fakeStore) DeleteDocuments(ctx context.Context, tx pgx.Tx, key storage.DocumentKey) error {
	f.bulkDeletes = append(f.bulkDeletes, key)
	return nil
}

func (f *fakeStore) DocumentIDs(ctx context.Context, tx pgx.Tx, key storage.DocumentKey, since time.Time) ([]string, error) {
	f.lastDocKey = key
	f.lastSince = since
	return f.docIDs, nil
}

func (f *fakeStore) CredentialForAuth(ctx context.Context, tx pgx.Tx, apiKey, secretKey string) (storage.Credential, error) {
	if f.authErr != nil {
		return storage.Credential{}, f.authErr
	}
	if f.authCred.APIKey != "" {
		return f.authCred, nil
	}
	return storage.Credential{APIKey: apiKey, SecretKey: secretKey, Scopes: f.grantTokens}, nil
}

func (f *fakeStore) InsertAccount(ctx context.Context, acct storage.AdminAccount) error {
	for _, existing := range f.accounts {
		if existing.Username == acct.Username {
			return storage.ErrAccountExists
		}
	}
	f.accounts[acct.ID] = acct
	return nil
}

func (f *fakeStore) GetAccountByUsername(ctx context.Context, username string) (storage.AdminAccount, error) {
	for _, acct := range f.accounts {
		if acct.Username == username {
			return acct, nil
		}
	}
	return storage.AdminAccount{}, storage.ErrAccountNotFound
}

func (f *fakeStore) GetAccount(ctx context.Context, id uuid.UUID) (storage.AdminAccount, error) {
	acct, ok := f.accounts[id]
	if !ok {
		return storage.AdminAccount{}, storage.ErrAccountNotFound
	}
	return acct, nil
}

func (f *fakeStore) ListAccounts(ctx context.Context) ([]storage.AdminAccount, error) {
	var out []storage.AdminAccount
	for _, acct := range f.accounts {
		out = append(out, acct)
	}
	return out, nil
}

func (f *fakeStore) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	if _, ok := f.accounts[id]; !ok {
		return storage.ErrAccountNotFound
	}
	delete(f.accounts, id)
	return nil
}

func (f *fakeStore) InsertCredential(ctx context.Context, tx pgx.Tx, cred storage.Credential, scopeTokens []string) error {
	f.creds[cred.ID] = cred
	f.scopeRows[cred.ID] = append([]string(nil), scopeTokens...)
	return nil
}

func (f *fakeStore) GetCredential(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, apiKey, secretKey string) (storage.Credential, error) {
	for _, cred := range f.creds {
		if cred.AccountID == accountID && cred.APIKey == apiKey && cred.SecretKey == secretKey {
			return cred, nil
		}
	}
	return storage.Credential{}, storage.ErrCredentialNotFound
}

func (f *fakeStore) ListCredentials(ctx context.Context, accountID uuid.UUID) ([]storage.Credential, error) {
	var out []storage.Credential
	for _, cred := range f.creds {
		if cred.AccountID == accountID {
			cred.Scopes = append([]string(nil), f.scopeRows[cred.ID]...)
			out = append(out, cred)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteCredential(ctx context.Context, accountID uuid.UUID, apiKey, secretKey string) error {
	for id, cred := range f.creds {
		if cred.AccountID == accountID && cred.APIKey == apiKey && cred.SecretKey == secretKey {
			delete(f.creds, id)
			delete(f.scopeRows, id)
			return nil
		}
	}
	return storage.ErrCredentialNotFound
}

func (f *fakeStore) ScopesFor(ctx context.Context, tx pgx.Tx, credentialID uuid.UUID) ([]string, error) {
	return append([]string(nil), f.scopeRows[credentialID]...), nil
}

func (f *fakeStore) AddScopes(ctx context.Context, tx pgx.Tx, credentialID uuid.UUID, scopeTokens []string) error {
	f.added = append(f.added, scopeTokens)
	for _, token := range scopeTokens {
		exists := false
		for _, cur := range f.scopeRows[credentialID] {
			if cur == token {
				exists = true
				break
			}
		}
		if !exists {
			f.scopeRows[credentialID] = append(f.scopeRows[credentialID], token)
		}
	}
	return nil
}

func (f *fakeStore) RemoveScopes(ctx context.Context, tx pgx.Tx, credentialID uuid.UUID, scopeTokens []string) error {
	f.removed = append(f.removed, scopeTokens)
	var kept []string
	for _, cur := range f.scopeRows[credentialID] {
		drop := false
		for _, token := range scopeTokens {
			if cur == token {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, cur)
		}
	}
	f.scopeRows[credentialID] = kept
	return nil
}

func newTestService(store *fakeStore) *Service {
	return NewService(store, nil, slog.Default(), nil, Config{
		DefaultPageSize:   50,
		MaxPageSize:       100,
		AuthorityName:     "Test LRS",
		AuthorityHomePage: "https://lrs.example.com",
		Argon: security.Argon2Params{
			Memory:      8 * 1024,
			Iterations:  1,
			Parallelism: 1,
			SaltLength:  16,
			KeyLength:   32,
		},
	})
}

func authzWith(members ...scopes.Scope) *Authorization {
	authority := xapi.Agent{
		ObjectType: "Agent",
		Account:    &xapi.Account{HomePage: "https://lrs.example.com", Name: "test-key"},
	}
	return &Authorization{
		APIKey:       "test-key",
		SecretKey:    "test-secret",
		Scopes:       scopes.NewSet(members...),
		Authority:    authority,
		AuthorityIFI: authority.IFI(),
	}
}

// grant records the credential's scope rows on the store so operations
// re-resolving the credential inside their transaction see the same
// grants the authorization was minted with.
func grant(store *fakeStore, members ...scopes.Scope) *Authorization {
	tokens := make([]string, 0, len(members))
	for _, m := range members {
		tokens = append(tokens, m.String())
	}
	store.grantTokens = tokens
	return authzWith(members...)
}

// Package lrs implements the learning record store behind the xAPI and
// admin endpoints: statement ingest and retrieval, document resources,
// and the account and credential lifecycle.
package lrs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kimsama/lrsql/internal/events"
	"github.com/kimsama/lrsql/internal/security"
	"github.com/kimsama/lrsql/internal/storage"
)

var (
	ErrForbidden       = errors.New("forbidden")
	ErrInvalidPassword = errors.New("invalid password")
	ErrInvalidInput    = errors.New("invalid input")
)

type TxRunner interface {
	WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error
}

type StatementStore interface {
	InsertStatementInput(ctx context.Context, tx pgx.Tx, in storage.StatementInput) (bool, error)
	Descendants(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) ([]uuid.UUID, error)
	QueryStatements(ctx context.Context, tx pgx.Tx, f storage.StatementFilter) (storage.StatementPage, error)
	GetStatement(ctx context.Context, tx pgx.Tx, id uuid.UUID, voided bool) ([]byte, error)
	ConsistentThrough(ctx context.Context, tx pgx.Tx) (time.Time, error)
	Attachments(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) ([]storage.AttachmentRow, error)
	GetActor(ctx context.Context, tx pgx.Tx, ifi string) ([]byte, error)
	GetActivity(ctx context.Context, tx pgx.Tx, iri string) ([]byte, error)
}

type DocumentStore interface {
	GetDocument(ctx context.Context, tx pgx.Tx, key storage.DocumentKey) (storage.Document, error)
	PutDocument(ctx context.Context, tx pgx.Tx, doc storage.Document) error
	MergeDocument(ctx context.Context, tx pgx.Tx, doc storage.Document) error
	DeleteDocument(ctx context.Context, tx pgx.Tx, key storage.DocumentKey) error
	DeleteDocuments(ctx context.Context, tx pgx.Tx, key storage.DocumentKey) error
	DocumentIDs(ctx context.Context, tx pgx.Tx, key storage.DocumentKey, since time.Time) ([]string, error)
}

type AdminStore interface {
	CredentialForAuth(ctx context.Context, tx pgx.Tx, apiKey, secretKey string) (storage.Credential, error)
	InsertAccount(ctx context.Context, acct storage.AdminAccount) error
	GetAccountByUsername(ctx context.Context, username string) (storage.AdminAccount, error)
	GetAccount(ctx context.Context, id uuid.UUID) (storage.AdminAccount, error)
	ListAccounts(ctx context.Context) ([]storage.AdminAccount, error)
	DeleteAccount(ctx context.Context, id uuid.UUID) error
	InsertCredential(ctx context.Context, tx pgx.Tx, cred storage.Credential, scopes []string) error
	GetCredential(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, apiKey, secretKey string) (storage.Credential, error)
	ListCredentials(ctx context.Context, accountID uuid.UUID) ([]storage.Credential, error)
	DeleteCredential(ctx context.Context, accountID uuid.UUID, apiKey, secretKey string) error
	ScopesFor(ctx context.Context, tx pgx.Tx, credentialID uuid.UUID) ([]string, error)
	AddScopes(ctx context.Context, tx pgx.Tx, credentialID uuid.UUID, scopes []string) error
	RemoveScopes(ctx context.Context, tx pgx.Tx, credentialID uuid.UUID, scopes []string) error
}

type Store interface {
	TxRunner
	StatementStore
	DocumentStore
	AdminStore
}

// Config carries the runtime knobs of the record store; the composition
// root maps the application config onto it.
type Config struct {
	URLPrefix         string
	DefaultPageSize   int
	MaxPageSize       int
	AuthorityName     string
	AuthorityHomePage string
	StatementsTopic   string
	Argon             security.Argon2Params
}

type Service struct {
	store    Store
	producer events.Publisher
	logger   *slog.Logger
	metrics  *Metrics
	cfg      Config
	now      func() time.Time
}

func NewService(store Store, producer events.Publisher, logger *slog.Logger, metrics *Metrics, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 50
	}
	if cfg.MaxPageSize < cfg.DefaultPageSize {
		cfg.MaxPageSize = cfg.DefaultPageSize
	}
	if cfg.URLPrefix == "" {
		cfg.URLPrefix = "/xapi"
	}
	if cfg.Argon == (security.Argon2Params{}) {
		cfg.Argon = security.DefaultArgon2Params()
	}
	return &Service{
		store:    store,
		producer: producer,
		logger:   logger,
		metrics:  metrics,
		cfg:      cfg,
		now:      time.Now,
	}
}

func (s *Service) clampLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.DefaultPageSize
	}
	if limit > s.cfg.MaxPageSize {
		return s.cfg.MaxPageSize
	}
	return limit
}

package storage

import (
	"context"
	"fmt"
)

// ApplySchema creates all tables used by the LRS. Safe to call on every
// start since each statement uses IF NOT EXISTS.
func (s *Store) ApplySchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS statements (
    statement_id UUID PRIMARY KEY,
    registration UUID,
    verb_iri TEXT NOT NULL,
    is_voided BOOLEAN NOT NULL DEFAULT FALSE,
    authority_ifi TEXT NOT NULL DEFAULT '',
    timestamp TIMESTAMPTZ NOT NULL,
    stored TIMESTAMPTZ NOT NULL,
    payload JSONB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_statements_stored ON statements (stored, statement_id);
CREATE INDEX IF NOT EXISTS idx_statements_verb ON statements (verb_iri);
CREATE INDEX IF NOT EXISTS idx_statements_registration ON statements (registration);
CREATE INDEX IF NOT EXISTS idx_statements_authority ON statements (authority_ifi);

CREATE TABLE IF NOT EXISTS statement_to_statement (
    ancestor_id UUID NOT NULL,
    descendant_id UUID NOT NULL,
    PRIMARY KEY (ancestor_id, descendant_id)
);

CREATE INDEX IF NOT EXISTS idx_statement_to_statement_descendant
    ON statement_to_statement (descendant_id);

CREATE TABLE IF NOT EXISTS statement_to_actor (
    statement_id UUID NOT NULL,
    usage TEXT NOT NULL,
    actor_ifi TEXT NOT NULL,
    PRIMARY KEY (statement_id, usage, actor_ifi)
);

CREATE INDEX IF NOT EXISTS idx_statement_to_actor_ifi ON statement_to_actor (actor_ifi);

CREATE TABLE IF NOT EXISTS statement_to_activity (
    statement_id UUID NOT NULL,
    usage TEXT NOT NULL,
    activity_iri TEXT NOT NULL,
    PRIMARY KEY (statement_id, usage, activity_iri)
);

CREATE INDEX IF NOT EXISTS idx_statement_to_activity_iri ON statement_to_activity (activity_iri);

CREATE TABLE IF NOT EXISTS actors (
    actor_ifi TEXT PRIMARY KEY,
    payload JSONB NOT NULL,
    last_modified TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS activities (
    activity_iri TEXT PRIMARY KEY,
    payload JSONB NOT NULL,
    last_modified TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS attachments (
    statement_id UUID NOT NULL,
    sha2 TEXT NOT NULL,
    content_type TEXT NOT NULL,
    content_length BIGINT NOT NULL,
    contents BYTEA NOT NULL,
    PRIMARY KEY (statement_id, sha2)
);

CREATE TABLE IF NOT EXISTS documents (
    doc_type TEXT NOT NULL,
    doc_id TEXT NOT NULL,
    activity_iri TEXT NOT NULL DEFAULT '',
    agent_ifi TEXT NOT NULL DEFAULT '',
    registration UUID NOT NULL DEFAULT '00000000-0000-0000-0000-000000000000',
    content_type TEXT NOT NULL,
    content_length BIGINT NOT NULL,
    contents BYTEA NOT NULL,
    last_modified TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (doc_type, doc_id, activity_iri, agent_ifi, registration)
);

CREATE INDEX IF NOT EXISTS idx_documents_container
    ON documents (doc_type, activity_iri, agent_ifi, registration, last_modified);

CREATE TABLE IF NOT EXISTS admin_accounts (
    id UUID PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS lrs_credentials (
    id UUID PRIMARY KEY,
    account_id UUID NOT NULL REFERENCES admin_accounts(id) ON DELETE CASCADE,
    api_key TEXT NOT NULL,
    secret_key TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (api_key, secret_key)
);

CREATE INDEX IF NOT EXISTS idx_lrs_credentials_account ON lrs_credentials (account_id);

CREATE TABLE IF NOT EXISTS credential_scopes (
    credential_id UUID NOT NULL REFERENCES lrs_credentials(id) ON DELETE CASCADE,
    scope TEXT NOT NULL,
    PRIMARY KEY (credential_id, scope)
);
`

package storage

import (
	"time"

	"github.com/google/uuid"
)

// StatementRow is the relational projection of a statement. Payload
// carries the canonical JSON exactly as it will be returned to readers.
type StatementRow struct {
	ID           uuid.UUID
	Registration *uuid.UUID
	VerbIRI      string
	IsVoided     bool
	AuthorityIFI string
	Timestamp    time.Time
	Stored       time.Time
	Payload      []byte
}

type ActorRow struct {
	IFI     string
	Usage   string
	Payload []byte
}

type ActivityRow struct {
	IRI     string
	Usage   string
	Payload []byte
}

type AttachmentRow struct {
	StatementID   uuid.UUID
	SHA2          string
	ContentType   string
	ContentLength int64
	Contents      []byte
}

// StatementInput bundles everything inserted for one statement: the
// statement row, its actor and activity references, attachment payloads,
// the transitive set of statements it references, and the void target
// when the statement is a voiding statement.
type StatementInput struct {
	Statement   StatementRow
	Actors      []ActorRow
	Activities  []ActivityRow
	Attachments []AttachmentRow
	Descendants []uuid.UUID
	VoidTarget  *uuid.UUID
}

// StatementFilter selects statements for a paged query. Zero values mean
// the dimension is not filtered. Limit must already be clamped by the
// caller.
type StatementFilter struct {
	AgentIFI          string
	RelatedAgents     bool
	VerbIRI           string
	ActivityIRI       string
	RelatedActivities bool
	Registration      *uuid.UUID
	Since             time.Time
	Until             time.Time
	Ascending         bool
	Limit             int
	Cursor            string
	AuthorityIFI      string
}

type StatementPage struct {
	Payloads   [][]byte
	IDs        []uuid.UUID
	NextCursor string
}

type DocumentKey struct {
	Type         string
	ID           string
	ActivityIRI  string
	AgentIFI     string
	Registration uuid.UUID
}

const (
	DocState           = "state"
	DocAgentProfile    = "agent_profile"
	DocActivityProfile = "activity_profile"
)

type Document struct {
	Key          DocumentKey
	ContentType  string
	Contents     []byte
	LastModified time.Time
}

type AdminAccount struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Credential is an LRS key pair owned by an admin account. Scopes is
// populated on reads that join the scope table; an empty slice means the
// credential has no explicit scope rows.
type Credential struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	APIKey    string
	SecretKey string
	Label     string
	Scopes    []string
	CreatedAt time.Time
}

package lrs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kimsama/lrsql/internal/scopes"
	"github.com/kimsama/lrsql/internal/storage"
	"github.com/kimsama/lrsql/internal/xapi"
)

func testStatement(id string) *xapi.Statement {
	return &xapi.Statement{
		ID:     id,
		Actor:  xapi.Agent{Mbox: "mailto:learner@example.com"},
		Verb:   xapi.Verb{ID: "http://adlnet.gov/expapi/verbs/completed"},
		Object: json.RawMessage(`{"id":"https://example.com/course/1"}`),
	}
}

func voidingStatement(target uuid.UUID) *xapi.Statement {
	ref := fmt.Sprintf(`{"objectType":"StatementRef","id":%q}`, target)
	return &xapi.Statement{
		Actor:  xapi.Agent{Mbox: "mailto:admin@example.com"},
		Verb:   xapi.Verb{ID: xapi.VerbVoided},
		Object: json.RawMessage(ref),
	}
}

func TestStoreStatementsAssignsIDsInOrder(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	authz := grant(store, scopes.StatementsWrite)

	fixed := uuid.NewString()
	ids, err := svc.StoreStatements(context.Background(), StoreStatementsInput{
		Statements:    []*xapi.Statement{testStatement(fixed), testStatement("")},
		Authorization: authz,
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
	if ids[0] != fixed {
		t.Fatalf("expected first id %s, got %s", fixed, ids[0])
	}
	if _, err := uuid.Parse(ids[1]); err != nil {
		t.Fatalf("expected assigned id to be a UUID, got %q", ids[1])
	}
	if len(store.inputs) != 2 {
		t.Fatalf("expected 2 inserts, got %d", len(store.inputs))
	}
	if got := store.inputs[0].Statement.ID.String(); got != fixed {
		t.Fatalf("inserts out of order: first is %s", got)
	}
	if store.inputs[0].Statement.AuthorityIFI != authz.AuthorityIFI {
		t.Fatalf("expected authority %s, got %s", authz.AuthorityIFI, store.inputs[0].Statement.AuthorityIFI)
	}

	var stored xapi.Statement
	if err := json.Unmarshal(store.inputs[0].Statement.Payload, &stored); err != nil {
		t.Fatalf("unmarshal stored payload: %v", err)
	}
	if stored.Authority == nil || stored.Authority.IFI() != authz.AuthorityIFI {
		t.Fatalf("expected stamped authority in payload")
	}
	if stored.Stored == "" || stored.Timestamp == "" {
		t.Fatalf("expected stored and timestamp to be set")
	}
}

func TestStoreStatementsSuppressesDuplicates(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	id := uuid.NewString()
	ids, err := svc.StoreStatements(context.Background(), StoreStatementsInput{
		Statements:    []*xapi.Statement{testStatement(id), testStatement(id)},
		Authorization: grant(store, scopes.StatementsWrite),
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected only the accepted id, got %v", ids)
	}
	if len(store.inputs) != 1 {
		t.Fatalf("expected duplicate to be suppressed, got %d inserts", len(store.inputs))
	}
}

func TestStoreStatementsAbortsBatchOnError(t *testing.T) {
	store := newFakeStore()
	store.insertErr = errors.New("disk full")
	store.failAfter = 1

	svc := newTestService(store)
	ids, err := svc.StoreStatements(context.Background(), StoreStatementsInput{
		Statements:    []*xapi.Statement{testStatement(""), testStatement("")},
		Authorization: grant(store, scopes.StatementsWrite),
	})
	if err == nil {
		t.Fatalf("expected error from failing insert")
	}
	if ids != nil {
		t.Fatalf("expected no ids from an aborted batch, got %v", ids)
	}
}

func TestStoreStatementsResolvesDescendants(t *testing.T) {
	store := newFakeStore()
	target := uuid.New()
	grandchild := uuid.New()
	store.descendants[target] = []uuid.UUID{grandchild}

	svc := newTestService(store)
	_, err := svc.StoreStatements(context.Background(), StoreStatementsInput{
		Statements:    []*xapi.Statement{voidingStatement(target)},
		Authorization: grant(store, scopes.StatementsWrite),
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(store.inputs) != 1 {
		t.Fatalf("expected 1 insert, got %d", len(store.inputs))
	}

	in := store.inputs[0]
	if in.VoidTarget == nil || *in.VoidTarget != target {
		t.Fatalf("expected void target %s, got %v", target, in.VoidTarget)
	}
	if len(in.Descendants) != 2 || in.Descendants[0] != target || in.Descendants[1] != grandchild {
		t.Fatalf("expected descendants [%s %s], got %v", target, grandchild, in.Descendants)
	}
}

func TestStoreStatementsRequiresWriteScope(t *testing.T) {
	svc := newTestService(newFakeStore())
	_, err := svc.StoreStatements(context.Background(), StoreStatementsInput{
		Statements:    []*xapi.Statement{testStatement("")},
		Authorization: authzWith(scopes.StatementsRead),
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestStoreStatementsRejectsInvalid(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	bad := testStatement("")
	bad.Verb.ID = ""
	_, err := svc.StoreStatements(context.Background(), StoreStatementsInput{
		Statements:    []*xapi.Statement{bad},
		Authorization: authzWith(scopes.StatementsWrite),
	})
	if !errors.Is(err, xapi.ErrInvalidStatement) {
		t.Fatalf("expected ErrInvalidStatement, got %v", err)
	}
	if len(store.inputs) != 0 {
		t.Fatalf("expected no inserts after validation failure")
	}
}

func TestStoreStatementsRejectsMissingAttachment(t *testing.T) {
	st := testStatement("")
	st.Attachments = []xapi.AttachmentMeta{{
		UsageType:   "http://adlnet.gov/expapi/attachments/signature",
		ContentType: "application/octet-stream",
		SHA2:        "deadbeef",
	}}

	svc := newTestService(newFakeStore())
	_, err := svc.StoreStatements(context.Background(), StoreStatementsInput{
		Statements:    []*xapi.Statement{st},
		Authorization: authzWith(scopes.StatementsWrite),
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStoreStatementsKeepsReceivedAttachment(t *testing.T) {
	st := testStatement("")
	st.Attachments = []xapi.AttachmentMeta{{
		UsageType:   "http://adlnet.gov/expapi/attachments/signature",
		ContentType: "text/plain",
		SHA2:        "cafe01",
	}}

	store := newFakeStore()
	svc := newTestService(store)
	_, err := svc.StoreStatements(context.Background(), StoreStatementsInput{
		Statements:    []*xapi.Statement{st},
		Attachments:   []Attachment{{SHA2: "cafe01", ContentType: "text/plain", Contents: []byte("hello")}},
		Authorization: grant(store, scopes.StatementsWrite),
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	atts := store.inputs[0].Attachments
	if len(atts) != 1 || atts[0].SHA2 != "cafe01" || atts[0].ContentLength != 5 {
		t.Fatalf("unexpected attachment rows %+v", atts)
	}
}

func TestStoreStatementsRejectsEmptyBatch(t *testing.T) {
	svc := newTestService(newFakeStore())
	_, err := svc.StoreStatements(context.Background(), StoreStatementsInput{
		Authorization: authzWith(scopes.StatementsWrite),
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestStoreStatementsPublishesEvent(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	svc := NewService(store, pub, nil, nil, Config{StatementsTopic: "lrs.statements.stored"})

	authz := grant(store, scopes.StatementsWrite)
	ids, err := svc.StoreStatements(context.Background(), StoreStatementsInput{
		Statements:    []*xapi.Statement{testStatement("")},
		Authorization: authz,
		CorrelationID: "corr-1",
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if pub.topic != "lrs.statements.stored" {
		t.Fatalf("expected publish to statements topic, got %q", pub.topic)
	}
	if pub.key != authz.AuthorityIFI {
		t.Fatalf("expected key %q, got %q", authz.AuthorityIFI, pub.key)
	}
	event, ok := pub.value.(StatementsStoredEvent)
	if !ok {
		t.Fatalf("unexpected event payload %T", pub.value)
	}
	if len(event.StatementIDs) != 1 || event.StatementIDs[0] != ids[0] {
		t.Fatalf("expected event ids %v, got %v", ids, event.StatementIDs)
	}
	if event.CorrelationID != "corr-1" {
		t.Fatalf("expected correlation id to carry through, got %q", event.CorrelationID)
	}
}

type fakePublisher struct {
	topic string
	key   string
	value any
}

func (f *fakePublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	f.topic = topic
	f.key = key
	f.value = value
	return 0, 0, nil
}

func (f *fakePublisher) Close() error { return nil }

func TestGetStatementsMineOnlyRestrictsAuthority(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	authz := grant(store, scopes.StatementsReadMine)

	if _, err := svc.GetStatements(context.Background(), GetStatementsInput{Authorization: authz}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if store.lastFilter.AuthorityIFI != authz.AuthorityIFI {
		t.Fatalf("expected authority filter %q, got %q", authz.AuthorityIFI, store.lastFilter.AuthorityIFI)
	}

	if _, err := svc.GetStatements(context.Background(), GetStatementsInput{Authorization: grant(store, scopes.StatementsRead)}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if store.lastFilter.AuthorityIFI != "" {
		t.Fatalf("expected no authority filter for broad read, got %q", store.lastFilter.AuthorityIFI)
	}
}

func TestGetStatementsClampsLimit(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	authz := grant(store, scopes.StatementsRead)

	if _, err := svc.GetStatements(context.Background(), GetStatementsInput{Limit: 1000, Authorization: authz}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if store.lastFilter.Limit != 100 {
		t.Fatalf("expected limit clamped to 100, got %d", store.lastFilter.Limit)
	}

	if _, err := svc.GetStatements(context.Background(), GetStatementsInput{Authorization: authz}); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if store.lastFilter.Limit != 50 {
		t.Fatalf("expected default limit 50, got %d", store.lastFilter.Limit)
	}
}

func TestGetStatementsBuildsMoreURL(t *testing.T) {
	store := newFakeStore()
	store.page = storage.StatementPage{
		Payloads:   [][]byte{[]byte(`{"id":"x"}`)},
		NextCursor: "cursor-1",
	}
	svc := newTestService(store)

	result, err := svc.GetStatements(context.Background(), GetStatementsInput{
		Verb:          "http://adlnet.gov/expapi/verbs/completed",
		Limit:         25,
		Ascending:     true,
		Authorization: grant(store, scopes.StatementsRead),
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !strings.HasPrefix(result.More, "/xapi/statements?") {
		t.Fatalf("expected more URL under /xapi/statements, got %q", result.More)
	}
	parsed, err := url.Parse(result.More)
	if err != nil {
		t.Fatalf("parse more URL: %v", err)
	}
	q := parsed.Query()
	if q.Get("from") != "cursor-1" {
		t.Fatalf("expected from=cursor-1, got %q", q.Get("from"))
	}
	if q.Get("verb") != "http://adlnet.gov/expapi/verbs/completed" {
		t.Fatalf("expected verb carried, got %q", q.Get("verb"))
	}
	if q.Get("limit") != "25" || q.Get("ascending") != "true" {
		t.Fatalf("expected limit and ascending carried, got %v", q)
	}
}

func TestGetStatementsNoMoreWithoutCursor(t *testing.T) {
	store := newFakeStore()
	store.page = storage.StatementPage{Payloads: [][]byte{[]byte(`{}`)}}
	svc := newTestService(store)

	result, err := svc.GetStatements(context.Background(), GetStatementsInput{Authorization: grant(store, scopes.StatementsRead)})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if result.More != "" {
		t.Fatalf("expected empty more URL, got %q", result.More)
	}
}

func TestGetStatementsRejectsBadInput(t *testing.T) {
	svc := newTestService(newFakeStore())
	authz := authzWith(scopes.StatementsRead)

	_, err := svc.GetStatements(context.Background(), GetStatementsInput{Registration: "nope", Authorization: authz})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for registration, got %v", err)
	}
	_, err = svc.GetStatements(context.Background(), GetStatementsInput{Since: "not-a-time", Authorization: authz})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for since, got %v", err)
	}
	_, err = svc.GetStatements(context.Background(), GetStatementsInput{Agent: &xapi.Agent{Name: "anon"}, Authorization: authz})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for agent without identifier, got %v", err)
	}
}

func TestGetStatementMineOnlyHidesForeignAuthority(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	authz := grant(store, scopes.StatementsReadMine)

	id := uuid.New()
	foreign := xapi.Statement{
		Actor:     xapi.Agent{Mbox: "mailto:learner@example.com"},
		Verb:      xapi.Verb{ID: "http://adlnet.gov/expapi/verbs/completed"},
		Object:    json.RawMessage(`{"id":"https://example.com/course/1"}`),
		Authority: &xapi.Agent{Mbox: "mailto:other@example.com"},
	}
	payload, _ := json.Marshal(foreign)
	store.statements[id] = payload

	_, err := svc.GetStatement(context.Background(), GetStatementInput{StatementID: id.String(), Authorization: authz})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign authority, got %v", err)
	}

	mine := foreign
	mine.Authority = &authz.Authority
	payload, _ = json.Marshal(mine)
	store.statements[id] = payload

	result, err := svc.GetStatement(context.Background(), GetStatementInput{StatementID: id.String(), Authorization: authz})
	if err != nil {
		t.Fatalf("expected success for own authority, got %v", err)
	}
	if len(result.Statement) == 0 {
		t.Fatalf("expected statement payload")
	}
}

func TestGetStatementRejectsBadID(t *testing.T) {
	svc := newTestService(newFakeStore())
	_, err := svc.GetStatement(context.Background(), GetStatementInput{
		StatementID:   "not-a-uuid",
		Authorization: authzWith(scopes.StatementsRead),
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestGetStatementReturnsConsistentThrough(t *testing.T) {
	store := newFakeStore()
	store.through = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	id := uuid.New()
	store.statements[id] = []byte(`{"id":"x"}`)

	svc := newTestService(store)
	result, err := svc.GetStatement(context.Background(), GetStatementInput{
		StatementID:   id.String(),
		Authorization: grant(store, scopes.StatementsRead),
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !result.ConsistentThrough.Equal(store.through) {
		t.Fatalf("expected consistent-through %v, got %v", store.through, result.ConsistentThrough)
	}
}

func TestMergeIDsDedupes(t *testing.T) {
	a := uuid.New()
	b := uuid.New()
	merged := mergeIDs([]uuid.UUID{a, b}, []uuid.UUID{b, a})
	if len(merged) != 2 || merged[0] != a || merged[1] != b {
		t.Fatalf("expected [%s %s], got %v", a, b, merged)
	}
}

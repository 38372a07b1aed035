package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"log/slog"

	"github.com/kimsama/lrsql/internal/lrs"
	"github.com/kimsama/lrsql/internal/scopes"
	"github.com/kimsama/lrsql/internal/storage"
	"github.com/kimsama/lrsql/internal/xapi"
)

type fakeLRS struct {
	authz   *lrs.Authorization
	authErr error

	storedInput lrs.StoreStatementsInput
	storedIDs   []string
	storeErr    error

	statementsInput lrs.GetStatementsInput
	statementsOut   *lrs.StatementsResult

	statementInput lrs.GetStatementInput
	statementOut   *lrs.StatementResult
	statementErr   error

	putDoc  storage.Document
	getDoc  storage.Document
	getErr  error
	deleted []lrs.DocumentRef
	docIDs  []string

	person   *xapi.Person
	activity json.RawMessage
}

func (f *fakeLRS) Authenticate(ctx context.Context, apiKey, secretKey string) (*lrs.Authorization, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.authz, nil
}

func (f *fakeLRS) StoreStatements(ctx context.Context, input lrs.StoreStatementsInput) ([]string, error) {
	f.storedInput = input
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	if f.storedIDs != nil {
		return f.storedIDs, nil
	}
	ids := make([]string, 0, len(input.Statements))
	for _, st := range input.Statements {
		id := st.ID
		if id == "" {
			id = uuid.NewString()
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeLRS) GetStatements(ctx context.Context, input lrs.GetStatementsInput) (*lrs.StatementsResult, error) {
	f.statementsInput = input
	if f.statementsOut != nil {
		return f.statementsOut, nil
	}
	return &lrs.StatementsResult{}, nil
}

func (f *fakeLRS) GetStatement(ctx context.Context, input lrs.GetStatementInput) (*lrs.StatementResult, error) {
	f.statementInput = input
	if f.statementErr != nil {
		return nil, f.statementErr
	}
	if f.statementOut != nil {
		return f.statementOut, nil
	}
	return &lrs.StatementResult{Statement: json.RawMessage(`{}`)}, nil
}

func (f *fakeLRS) PutDocument(ctx context.Context, authz *lrs.Authorization, ref lrs.DocumentRef, contentType string, contents []byte) error {
	f.putDoc = storage.Document{ContentType: contentType, Contents: contents}
	return nil
}

func (f *fakeLRS) PostDocument(ctx context.Context, authz *lrs.Authorization, ref lrs.DocumentRef, contentType string, contents []byte) error {
	f.putDoc = storage.Document{ContentType: contentType, Contents: contents}
	return nil
}

func (f *fakeLRS) GetDocument(ctx context.Context, authz *lrs.Authorization, ref lrs.DocumentRef) (storage.Document, error) {
	if f.getErr != nil {
		return storage.Document{}, f.getErr
	}
	return f.getDoc, nil
}

func (f *fakeLRS) DeleteDocument(ctx context.Context, authz *lrs.Authorization, ref lrs.DocumentRef) error {
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *fakeLRS) ListDocumentIDs(ctx context.Context, authz *lrs.Authorization, ref lrs.DocumentRef, since string) ([]string, error) {
	return f.docIDs, nil
}

func (f *fakeLRS) GetPerson(ctx context.Context, authz *lrs.Authorization, agent *xapi.Agent) (*xapi.Person, error) {
	if f.person != nil {
		return f.person, nil
	}
	return &xapi.Person{ObjectType: "Person"}, nil
}

func (f *fakeLRS) GetActivity(ctx context.Context, authz *lrs.Authorization, iri string) (json.RawMessage, error) {
	if f.activity != nil {
		return f.activity, nil
	}
	return json.RawMessage(`{"objectType":"Activity"}`), nil
}

func newXAPIRouter(f *fakeLRS) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewXAPIHandler(f, slog.Default())
	h.Register(r, "/xapi")
	return r
}

func authedLRS() *fakeLRS {
	return &fakeLRS{
		authz: &lrs.Authorization{
			APIKey: "key",
			Scopes: scopes.NewSet(scopes.All),
		},
	}
}

func TestStatementsRequireBasicAuth(t *testing.T) {
	r := newXAPIRouter(authedLRS())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xapi/statements", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate challenge")
	}
}

func TestStatementsRejectUnknownCredential(t *testing.T) {
	f := authedLRS()
	f.authErr = lrs.ErrForbidden
	r := newXAPIRouter(f)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xapi/statements", nil)
	req.SetBasicAuth("bad", "pair")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestPostStatementsReturnsIDs(t *testing.T) {
	f := authedLRS()
	r := newXAPIRouter(f)

	id := uuid.NewString()
	body := `[{"id":"` + id + `","actor":{"mbox":"mailto:a@example.com"},"verb":{"id":"http://example.com/did"},"object":{"id":"http://example.com/thing"}}]`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/xapi/statements", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ids []string
	if err := json.Unmarshal(w.Body.Bytes(), &ids); err != nil {
		t.Fatalf("decode ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected [%s], got %v", id, ids)
	}
	if f.storedInput.Authorization == nil {
		t.Fatalf("expected authorization passed through")
	}
}

func TestPostStatementsAcceptsSingleObject(t *testing.T) {
	f := authedLRS()
	r := newXAPIRouter(f)

	body := `{"actor":{"mbox":"mailto:a@example.com"},"verb":{"id":"http://example.com/did"},"object":{"id":"http://example.com/thing"}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/xapi/statements", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(f.storedInput.Statements) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(f.storedInput.Statements))
	}
}

func TestPutStatementAssignsQueryID(t *testing.T) {
	f := authedLRS()
	r := newXAPIRouter(f)

	id := uuid.NewString()
	body := `{"actor":{"mbox":"mailto:a@example.com"},"verb":{"id":"http://example.com/did"},"object":{"id":"http://example.com/thing"}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/xapi/statements?statementId="+id, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if f.storedInput.Statements[0].ID != id {
		t.Fatalf("expected statement id %s, got %s", id, f.storedInput.Statements[0].ID)
	}
}

func TestPutStatementIDMismatch(t *testing.T) {
	r := newXAPIRouter(authedLRS())

	body := `{"id":"` + uuid.NewString() + `","actor":{"mbox":"mailto:a@example.com"},"verb":{"id":"http://example.com/did"},"object":{"id":"http://example.com/thing"}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/xapi/statements?statementId="+uuid.NewString(), bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestPostStatementsMultipart(t *testing.T) {
	f := authedLRS()
	r := newXAPIRouter(f)

	var buf bytes.Buffer
	buf.WriteString("--xyz\r\nContent-Type: application/json\r\n\r\n")
	buf.WriteString(`[{"actor":{"mbox":"mailto:a@example.com"},"verb":{"id":"http://example.com/did"},"object":{"id":"http://example.com/thing"}}]`)
	buf.WriteString("\r\n--xyz\r\nContent-Type: text/plain\r\nX-Experience-API-Hash: cafe01\r\n\r\nhello\r\n--xyz--\r\n")

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/xapi/statements", &buf)
	req.Header.Set("Content-Type", `multipart/mixed; boundary=xyz`)
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(f.storedInput.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(f.storedInput.Attachments))
	}
	att := f.storedInput.Attachments[0]
	if att.SHA2 != "cafe01" || string(att.Contents) != "hello" {
		t.Fatalf("unexpected attachment %+v", att)
	}
}

func TestPostStatementsMultipartMissingBoundary(t *testing.T) {
	r := newXAPIRouter(authedLRS())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/xapi/statements", bytes.NewBufferString("--xyz--"))
	req.Header.Set("Content-Type", "multipart/mixed")
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetStatementsPageAndHeader(t *testing.T) {
	f := authedLRS()
	f.statementsOut = &lrs.StatementsResult{
		Statements:        []json.RawMessage{json.RawMessage(`{"id":"a"}`)},
		More:              "/xapi/statements?from=c1",
		ConsistentThrough: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	r := newXAPIRouter(f)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xapi/statements?verb=http%3A%2F%2Fexample.com%2Fdid&limit=10&ascending=true", nil)
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get(consistentThroughHeader); got == "" {
		t.Fatalf("expected consistent-through header")
	}
	var page struct {
		Statements []json.RawMessage `json:"statements"`
		More       string            `json:"more"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Statements) != 1 || page.More != "/xapi/statements?from=c1" {
		t.Fatalf("unexpected page %+v", page)
	}
	if f.statementsInput.Verb != "http://example.com/did" || f.statementsInput.Limit != 10 || !f.statementsInput.Ascending {
		t.Fatalf("query params not carried: %+v", f.statementsInput)
	}
}

func TestGetSingleStatement(t *testing.T) {
	f := authedLRS()
	f.statementOut = &lrs.StatementResult{Statement: json.RawMessage(`{"id":"s1"}`)}
	r := newXAPIRouter(f)

	id := uuid.NewString()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xapi/statements?statementId="+id, nil)
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if f.statementInput.StatementID != id || f.statementInput.Voided {
		t.Fatalf("unexpected input %+v", f.statementInput)
	}
}

func TestGetVoidedStatement(t *testing.T) {
	f := authedLRS()
	r := newXAPIRouter(f)

	id := uuid.NewString()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xapi/statements?voidedStatementId="+id, nil)
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if f.statementInput.StatementID != id || !f.statementInput.Voided {
		t.Fatalf("expected voided lookup, got %+v", f.statementInput)
	}
}

func TestGetStatementNotFound(t *testing.T) {
	f := authedLRS()
	f.statementErr = storage.ErrNotFound
	r := newXAPIRouter(f)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xapi/statements?statementId="+uuid.NewString(), nil)
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStatePutAndGet(t *testing.T) {
	f := authedLRS()
	f.getDoc = storage.Document{
		ContentType:  "application/json",
		Contents:     []byte(`{"progress":1}`),
		LastModified: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	r := newXAPIRouter(f)

	agent := `{"mbox":"mailto:a@example.com"}`
	base := "/xapi/activities/state?activityId=http%3A%2F%2Fexample.com%2Fcourse&stateId=progress&agent=" + agent

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, base, bytes.NewBufferString(`{"progress":1}`))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on PUT, got %d: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, base, nil)
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 on GET, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected stored content type, got %q", ct)
	}
}

func TestStateListWithoutID(t *testing.T) {
	f := authedLRS()
	f.docIDs = []string{"a", "b"}
	r := newXAPIRouter(f)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xapi/activities/state?activityId=http%3A%2F%2Fexample.com%2Fcourse&agent={\"mbox\":\"mailto:a@example.com\"}", nil)
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var ids []string
	if err := json.Unmarshal(w.Body.Bytes(), &ids); err != nil {
		t.Fatalf("decode ids: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %v", ids)
	}
}

func TestAboutIsUnauthenticated(t *testing.T) {
	r := newXAPIRouter(authedLRS())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xapi/about", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var about struct {
		Version []string `json:"version"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &about); err != nil {
		t.Fatalf("decode about: %v", err)
	}
	if len(about.Version) != 1 || about.Version[0] != xapi.Version {
		t.Fatalf("unexpected about %+v", about)
	}
}

func TestGetAgentsReturnsPerson(t *testing.T) {
	f := authedLRS()
	f.person = &xapi.Person{ObjectType: "Person", Mbox: []string{"mailto:a@example.com"}}
	r := newXAPIRouter(f)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/xapi/agents?agent={\"mbox\":\"mailto:a@example.com\"}", nil)
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var person xapi.Person
	if err := json.Unmarshal(w.Body.Bytes(), &person); err != nil {
		t.Fatalf("decode person: %v", err)
	}
	if person.ObjectType != "Person" || len(person.Mbox) != 1 {
		t.Fatalf("unexpected person %+v", person)
	}
}

func TestScopeDeniedMapsTo403(t *testing.T) {
	f := authedLRS()
	f.storeErr = lrs.ErrForbidden
	r := newXAPIRouter(f)

	body := `{"actor":{"mbox":"mailto:a@example.com"},"verb":{"id":"http://example.com/did"},"object":{"id":"http://example.com/thing"}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/xapi/statements", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("key", "secret")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

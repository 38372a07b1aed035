package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/kimsama/lrsql/internal/lrs"
	"github.com/kimsama/lrsql/internal/storage"
	"github.com/kimsama/lrsql/internal/xapi"
)

const hashHeader = "X-Experience-API-Hash"

// LRS is the slice of the record store the xAPI resources need.
type LRS interface {
	Authenticate(ctx context.Context, apiKey, secretKey string) (*lrs.Authorization, error)
	StoreStatements(ctx context.Context, input lrs.StoreStatementsInput) ([]string, error)
	GetStatements(ctx context.Context, input lrs.GetStatementsInput) (*lrs.StatementsResult, error)
	GetStatement(ctx context.Context, input lrs.GetStatementInput) (*lrs.StatementResult, error)
	PutDocument(ctx context.Context, authz *lrs.Authorization, ref lrs.DocumentRef, contentType string, contents []byte) error
	PostDocument(ctx context.Context, authz *lrs.Authorization, ref lrs.DocumentRef, contentType string, contents []byte) error
	GetDocument(ctx context.Context, authz *lrs.Authorization, ref lrs.DocumentRef) (storage.Document, error)
	DeleteDocument(ctx context.Context, authz *lrs.Authorization, ref lrs.DocumentRef) error
	ListDocumentIDs(ctx context.Context, authz *lrs.Authorization, ref lrs.DocumentRef, since string) ([]string, error)
	GetPerson(ctx context.Context, authz *lrs.Authorization, agent *xapi.Agent) (*xapi.Person, error)
	GetActivity(ctx context.Context, authz *lrs.Authorization, iri string) (json.RawMessage, error)
}

type XAPIHandler struct {
	LRS    LRS
	Logger *slog.Logger
}

func NewXAPIHandler(service LRS, logger *slog.Logger) *XAPIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &XAPIHandler{LRS: service, Logger: logger}
}

func (h *XAPIHandler) Register(r *gin.Engine, prefix string) {
	group := r.Group(prefix)
	group.GET("/about", h.About)

	authed := group.Group("", h.BasicAuth())
	authed.PUT("/statements", h.PutStatements)
	authed.POST("/statements", h.PostStatements)
	authed.GET("/statements", h.GetStatements)

	authed.PUT("/activities/state", h.putDocument(storage.DocState))
	authed.POST("/activities/state", h.postDocument(storage.DocState))
	authed.GET("/activities/state", h.getDocument(storage.DocState))
	authed.DELETE("/activities/state", h.deleteDocument(storage.DocState))

	authed.PUT("/agents/profile", h.putDocument(storage.DocAgentProfile))
	authed.POST("/agents/profile", h.postDocument(storage.DocAgentProfile))
	authed.GET("/agents/profile", h.getDocument(storage.DocAgentProfile))
	authed.DELETE("/agents/profile", h.deleteDocument(storage.DocAgentProfile))

	authed.PUT("/activities/profile", h.putDocument(storage.DocActivityProfile))
	authed.POST("/activities/profile", h.postDocument(storage.DocActivityProfile))
	authed.GET("/activities/profile", h.getDocument(storage.DocActivityProfile))
	authed.DELETE("/activities/profile", h.deleteDocument(storage.DocActivityProfile))

	authed.GET("/agents", h.GetAgents)
	authed.GET("/activities", h.GetActivities)
}

// BasicAuth resolves the basic-auth key pair to an authorization and
// aborts with 401 when the pair is unknown. Authorization per operation
// happens inside the service.
func (h *XAPIHandler) BasicAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey, secretKey, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="lrsql"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "credentials required"})
			return
		}
		authz, err := h.LRS.Authenticate(c.Request.Context(), apiKey, secretKey)
		if err != nil {
			if errors.Is(err, lrs.ErrForbidden) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse{Code: "UNAUTHORIZED", Message: "invalid credentials"})
				return
			}
			h.Logger.Error("authentication failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
			return
		}
		c.Set(authzContextKey, authz)
		c.Next()
	}
}

func authzFrom(c *gin.Context) *lrs.Authorization {
	if val, ok := c.Get(authzContextKey); ok {
		if authz, ok := val.(*lrs.Authorization); ok {
			return authz
		}
	}
	return nil
}

func (h *XAPIHandler) About(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": []string{xapi.Version}})
}

func (h *XAPIHandler) PutStatements(c *gin.Context) {
	statementID := c.Query("statementId")
	if statementID == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "statementId is required"})
		return
	}
	statements, attachments, err := h.readStatements(c)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	if len(statements) != 1 {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "PUT accepts exactly one statement"})
		return
	}
	st := statements[0]
	if st.ID != "" && st.ID != statementID {
		c.JSON(http.StatusConflict, errorResponse{Code: "CONFLICT", Message: "statement id does not match statementId"})
		return
	}
	st.ID = statementID

	_, err = h.LRS.StoreStatements(c.Request.Context(), lrs.StoreStatementsInput{
		Statements:    []*xapi.Statement{st},
		Attachments:   attachments,
		Authorization: authzFrom(c),
		CorrelationID: c.GetHeader("X-Request-ID"),
	})
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *XAPIHandler) PostStatements(c *gin.Context) {
	statements, attachments, err := h.readStatements(c)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	ids, err := h.LRS.StoreStatements(c.Request.Context(), lrs.StoreStatementsInput{
		Statements:    statements,
		Attachments:   attachments,
		Authorization: authzFrom(c),
		CorrelationID: c.GetHeader("X-Request-ID"),
	})
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, ids)
}

// readStatements decodes the request body: a JSON statement, a JSON
// array of statements, or a multipart/mixed body whose first part holds
// the statements and whose remaining parts carry attachment contents.
func (h *XAPIHandler) readStatements(c *gin.Context) ([]*xapi.Statement, []lrs.Attachment, error) {
	// gin's ContentType() strips the parameters, and multipart needs the
	// boundary, so parse the raw header.
	mediaType, params, err := mime.ParseMediaType(c.GetHeader("Content-Type"))
	if err != nil {
		mediaType = "application/json"
	}

	if mediaType == "multipart/mixed" {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, nil, fmt.Errorf("%w: multipart boundary missing", lrs.ErrInvalidInput)
		}
		return readMultipartStatements(multipart.NewReader(c.Request.Body, boundary))
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	statements, err := parseStatementsJSON(body)
	return statements, nil, err
}

func parseStatementsJSON(body []byte) ([]*xapi.Statement, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", lrs.ErrInvalidInput)
	}
	if body[0] == '[' {
		var statements []*xapi.Statement
		if err := json.Unmarshal(body, &statements); err != nil {
			return nil, fmt.Errorf("%w: %v", lrs.ErrInvalidInput, err)
		}
		return statements, nil
	}
	var st xapi.Statement
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", lrs.ErrInvalidInput, err)
	}
	return []*xapi.Statement{&st}, nil
}

func readMultipartStatements(reader *multipart.Reader) ([]*xapi.Statement, []lrs.Attachment, error) {
	first, err := reader.NextPart()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: empty multipart body", lrs.ErrInvalidInput)
	}
	body, err := io.ReadAll(first)
	if err != nil {
		return nil, nil, fmt.Errorf("read statements part: %w", err)
	}
	statements, err := parseStatementsJSON(body)
	if err != nil {
		return nil, nil, err
	}

	var attachments []lrs.Attachment
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read multipart: %w", err)
		}
		sha2 := part.Header.Get(hashHeader)
		if sha2 == "" {
			return nil, nil, fmt.Errorf("%w: attachment part without %s", lrs.ErrInvalidInput, hashHeader)
		}
		contents, err := io.ReadAll(part)
		if err != nil {
			return nil, nil, fmt.Errorf("read attachment part: %w", err)
		}
		attachments = append(attachments, lrs.Attachment{
			SHA2:        sha2,
			ContentType: part.Header.Get("Content-Type"),
			Contents:    contents,
		})
	}
	return statements, attachments, nil
}

func (h *XAPIHandler) GetStatements(c *gin.Context) {
	statementID := c.Query("statementId")
	voidedID := c.Query("voidedStatementId")
	if statementID != "" && voidedID != "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "statementId and voidedStatementId are exclusive"})
		return
	}
	withAttachments, _ := strconv.ParseBool(c.Query("attachments"))

	if statementID != "" || voidedID != "" {
		input := lrs.GetStatementInput{
			StatementID:   statementID,
			Voided:        voidedID != "",
			Attachments:   withAttachments,
			Authorization: authzFrom(c),
		}
		if input.Voided {
			input.StatementID = voidedID
		}
		result, err := h.LRS.GetStatement(c.Request.Context(), input)
		if err != nil {
			writeError(c, h.Logger, err)
			return
		}
		c.Header(consistentThroughHeader, result.ConsistentThrough.UTC().Format(xapi.TimestampFormat))
		if withAttachments && len(result.Attachments) > 0 {
			h.writeMultipart(c, result.Statement, result.Attachments)
			return
		}
		c.Data(http.StatusOK, "application/json", result.Statement)
		return
	}

	input := lrs.GetStatementsInput{
		Verb:          c.Query("verb"),
		Activity:      c.Query("activity"),
		Registration:  c.Query("registration"),
		Since:         c.Query("since"),
		Until:         c.Query("until"),
		From:          c.Query("from"),
		Attachments:   withAttachments,
		Authorization: authzFrom(c),
	}
	input.RelatedActivities, _ = strconv.ParseBool(c.Query("related_activities"))
	input.RelatedAgents, _ = strconv.ParseBool(c.Query("related_agents"))
	input.Ascending, _ = strconv.ParseBool(c.Query("ascending"))
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid limit"})
			return
		}
		input.Limit = n
	}
	if agentJSON := c.Query("agent"); agentJSON != "" {
		agent, err := xapi.ParseAgent([]byte(agentJSON))
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid agent"})
			return
		}
		input.Agent = &agent
	}

	result, err := h.LRS.GetStatements(c.Request.Context(), input)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}

	page := gin.H{"statements": result.Statements}
	if result.Statements == nil {
		page["statements"] = []json.RawMessage{}
	}
	if result.More != "" {
		page["more"] = result.More
	}
	c.Header(consistentThroughHeader, result.ConsistentThrough.UTC().Format(xapi.TimestampFormat))
	if withAttachments && len(result.Attachments) > 0 {
		doc, err := json.Marshal(page)
		if err != nil {
			writeError(c, h.Logger, err)
			return
		}
		h.writeMultipart(c, doc, result.Attachments)
		return
	}
	c.JSON(http.StatusOK, page)
}

// writeMultipart streams a multipart/mixed response: the statement
// document first, then one part per attachment.
func (h *XAPIHandler) writeMultipart(c *gin.Context, document []byte, attachments []lrs.Attachment) {
	writer := multipart.NewWriter(c.Writer)
	c.Header("Content-Type", "multipart/mixed; boundary="+writer.Boundary())
	c.Status(http.StatusOK)

	head := textproto.MIMEHeader{}
	head.Set("Content-Type", "application/json")
	part, err := writer.CreatePart(head)
	if err == nil {
		_, err = part.Write(document)
	}
	for _, att := range attachments {
		if err != nil {
			break
		}
		header := textproto.MIMEHeader{}
		header.Set("Content-Type", att.ContentType)
		header.Set("Content-Transfer-Encoding", "binary")
		header.Set(hashHeader, att.SHA2)
		var p io.Writer
		p, err = writer.CreatePart(header)
		if err == nil {
			_, err = p.Write(att.Contents)
		}
	}
	if err != nil {
		h.Logger.Error("write multipart response failed", "error", err)
		return
	}
	if err := writer.Close(); err != nil {
		h.Logger.Error("close multipart response failed", "error", err)
	}
}

func (h *XAPIHandler) documentRef(c *gin.Context, resource string) (lrs.DocumentRef, error) {
	idParam := "profileId"
	if resource == storage.DocState {
		idParam = "stateId"
	}
	ref := lrs.DocumentRef{
		Resource:     resource,
		ID:           c.Query(idParam),
		Activity:     c.Query("activityId"),
		Registration: c.Query("registration"),
	}
	if agentJSON := c.Query("agent"); agentJSON != "" {
		agent, err := xapi.ParseAgent([]byte(agentJSON))
		if err != nil {
			return lrs.DocumentRef{}, fmt.Errorf("%w: invalid agent", lrs.ErrInvalidInput)
		}
		ref.Agent = &agent
	}
	return ref, nil
}

func (h *XAPIHandler) putDocument(resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref, err := h.documentRef(c, resource)
		if err != nil {
			writeError(c, h.Logger, err)
			return
		}
		contents, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, h.Logger, err)
			return
		}
		if err := h.LRS.PutDocument(c.Request.Context(), authzFrom(c), ref, c.ContentType(), contents); err != nil {
			writeError(c, h.Logger, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *XAPIHandler) postDocument(resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref, err := h.documentRef(c, resource)
		if err != nil {
			writeError(c, h.Logger, err)
			return
		}
		contents, err := io.ReadAll(c.Request.Body)
		if err != nil {
			writeError(c, h.Logger, err)
			return
		}
		if err := h.LRS.PostDocument(c.Request.Context(), authzFrom(c), ref, c.ContentType(), contents); err != nil {
			writeError(c, h.Logger, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// getDocument serves both forms of the GET: with an id it returns the
// document contents, without one it lists ids modified since the given
// time.
func (h *XAPIHandler) getDocument(resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref, err := h.documentRef(c, resource)
		if err != nil {
			writeError(c, h.Logger, err)
			return
		}
		if ref.ID == "" {
			ids, err := h.LRS.ListDocumentIDs(c.Request.Context(), authzFrom(c), ref, c.Query("since"))
			if err != nil {
				writeError(c, h.Logger, err)
				return
			}
			if ids == nil {
				ids = []string{}
			}
			c.JSON(http.StatusOK, ids)
			return
		}
		doc, err := h.LRS.GetDocument(c.Request.Context(), authzFrom(c), ref)
		if err != nil {
			writeError(c, h.Logger, err)
			return
		}
		c.Header("Last-Modified", doc.LastModified.UTC().Format(http.TimeFormat))
		c.Data(http.StatusOK, doc.ContentType, doc.Contents)
	}
}

func (h *XAPIHandler) deleteDocument(resource string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref, err := h.documentRef(c, resource)
		if err != nil {
			writeError(c, h.Logger, err)
			return
		}
		if err := h.LRS.DeleteDocument(c.Request.Context(), authzFrom(c), ref); err != nil {
			writeError(c, h.Logger, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *XAPIHandler) GetAgents(c *gin.Context) {
	agentJSON := c.Query("agent")
	if agentJSON == "" {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "agent is required"})
		return
	}
	agent, err := xapi.ParseAgent([]byte(agentJSON))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid agent"})
		return
	}
	person, err := h.LRS.GetPerson(c.Request.Context(), authzFrom(c), &agent)
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, person)
}

func (h *XAPIHandler) GetActivities(c *gin.Context) {
	activity, err := h.LRS.GetActivity(c.Request.Context(), authzFrom(c), c.Query("activityId"))
	if err != nil {
		writeError(c, h.Logger, err)
		return
	}
	c.Data(http.StatusOK, "application/json", activity)
}

// VersionHeader stamps the protocol version on every response.
func VersionHeader() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header(versionHeader, xapi.Version)
		c.Next()
	}
}

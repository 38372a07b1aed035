package lrs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kimsama/lrsql/internal/events"
	"github.com/kimsama/lrsql/internal/storage"
	"github.com/kimsama/lrsql/internal/xapi"
)

// Attachment is a raw attachment body received or returned alongside
// statements, keyed by its SHA-2 hash.
type Attachment struct {
	SHA2        string
	ContentType string
	Contents    []byte
}

type StoreStatementsInput struct {
	Statements    []*xapi.Statement
	Attachments   []Attachment
	Authorization *Authorization
	CorrelationID string
}

// StoreStatements runs the write pipeline: every statement is normalized
// and stamped, its referenced statements are resolved to the transitive
// set they close over, and the whole batch is inserted in input order
// inside one transaction. Statements whose id already exists are
// suppressed without failing the batch and excluded from the result, so
// the returned ids are the accepted statements in input order.
func (s *Service) StoreStatements(ctx context.Context, input StoreStatementsInput) ([]string, error) {
	start := time.Now()
	if _, err := s.Authorize(input.Authorization, OpStatementsWrite); err != nil {
		return nil, err
	}
	if len(input.Statements) == 0 {
		return nil, fmt.Errorf("%w: no statements", ErrInvalidInput)
	}

	received := make(map[string]Attachment, len(input.Attachments))
	for _, att := range input.Attachments {
		received[att.SHA2] = att
	}

	now := s.now().UTC()
	inputs := make([]storage.StatementInput, 0, len(input.Statements))
	ids := make([]string, 0, len(input.Statements))
	for _, st := range input.Statements {
		if err := xapi.Normalize(st, now, input.Authorization.Authority); err != nil {
			s.observeStore("invalid", start)
			return nil, err
		}
		in, err := buildStatementInput(st, received, input.Authorization.AuthorityIFI)
		if err != nil {
			s.observeStore("invalid", start)
			return nil, err
		}
		inputs = append(inputs, in)
		ids = append(ids, st.ID)
	}

	var accepted []string
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.authorize(ctx, tx, input.Authorization, OpStatementsWrite); err != nil {
			return err
		}
		accepted = make([]string, 0, len(inputs))
		for i := range inputs {
			refs := input.Statements[i].ReferencedIDs()
			if len(refs) > 0 {
				desc, err := s.store.Descendants(ctx, tx, refs)
				if err != nil {
					return err
				}
				inputs[i].Descendants = mergeIDs(refs, desc)
			}
			inserted, err := s.store.InsertStatementInput(ctx, tx, inputs[i])
			if err != nil {
				return err
			}
			if !inserted {
				s.logger.Debug("duplicate statement suppressed", "statement_id", ids[i])
				continue
			}
			accepted = append(accepted, ids[i])
		}
		return nil
	})
	if err != nil {
		s.observeStore("error", start)
		return nil, err
	}

	s.observeStore("success", start)
	s.publishStatementsStored(ctx, input.CorrelationID, accepted, input.Authorization.AuthorityIFI, now)
	return accepted, nil
}

func buildStatementInput(st *xapi.Statement, received map[string]Attachment, authorityIFI string) (storage.StatementInput, error) {
	id, err := uuid.Parse(st.ID)
	if err != nil {
		return storage.StatementInput{}, fmt.Errorf("%w: statement id: %v", ErrInvalidInput, err)
	}
	payload, err := json.Marshal(st)
	if err != nil {
		return storage.StatementInput{}, fmt.Errorf("marshal statement: %w", err)
	}
	ts, err := xapi.ParseTime(st.Timestamp)
	if err != nil {
		return storage.StatementInput{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidInput, err)
	}
	stored, err := xapi.ParseTime(st.Stored)
	if err != nil {
		return storage.StatementInput{}, fmt.Errorf("%w: stored: %v", ErrInvalidInput, err)
	}

	row := storage.StatementRow{
		ID:           id,
		VerbIRI:      st.Verb.ID,
		AuthorityIFI: authorityIFI,
		Timestamp:    ts,
		Stored:       stored,
		Payload:      payload,
	}
	if reg, ok := st.Registration(); ok {
		row.Registration = &reg
	}

	in := storage.StatementInput{Statement: row}
	for _, ref := range st.ActorRefs() {
		in.Actors = append(in.Actors, storage.ActorRow{IFI: ref.IFI, Usage: ref.Usage, Payload: ref.Payload})
	}
	for _, ref := range st.ActivityRefs() {
		in.Activities = append(in.Activities, storage.ActivityRow{IRI: ref.IRI, Usage: ref.Usage, Payload: ref.Payload})
	}
	for _, meta := range st.Attachments {
		if meta.SHA2 == "" {
			continue
		}
		att, ok := received[meta.SHA2]
		if !ok {
			if meta.FileURL != "" {
				continue
			}
			return storage.StatementInput{}, fmt.Errorf("%w: no content for attachment %s", ErrInvalidInput, meta.SHA2)
		}
		in.Attachments = append(in.Attachments, storage.AttachmentRow{
			StatementID:   id,
			SHA2:          meta.SHA2,
			ContentType:   att.ContentType,
			ContentLength: int64(len(att.Contents)),
			Contents:      att.Contents,
		})
	}
	if target, ok := st.VoidTarget(); ok {
		in.VoidTarget = &target
	}
	return in, nil
}

func mergeIDs(a, b []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(a)+len(b))
	out := make([]uuid.UUID, 0, len(a)+len(b))
	for _, ids := range [][]uuid.UUID{a, b} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

type GetStatementsInput struct {
	Agent             *xapi.Agent
	Verb              string
	Activity          string
	Registration      string
	Since             string
	Until             string
	RelatedActivities bool
	RelatedAgents     bool
	Ascending         bool
	Limit             int
	From              string
	Attachments       bool
	Authorization     *Authorization
}

type StatementsResult struct {
	Statements        []json.RawMessage
	More              string
	Attachments       []Attachment
	ConsistentThrough time.Time
}

// GetStatements runs a paged statement query in a single transaction and
// builds the continuation URL when more results remain.
func (s *Service) GetStatements(ctx context.Context, input GetStatementsInput) (*StatementsResult, error) {
	if _, err := s.Authorize(input.Authorization, OpStatementsRead); err != nil {
		return nil, err
	}

	filter := storage.StatementFilter{
		VerbIRI:           input.Verb,
		ActivityIRI:       input.Activity,
		RelatedActivities: input.RelatedActivities,
		RelatedAgents:     input.RelatedAgents,
		Ascending:         input.Ascending,
		Limit:             s.clampLimit(input.Limit),
		Cursor:            input.From,
	}
	if input.Agent != nil {
		filter.AgentIFI = input.Agent.IFI()
		if filter.AgentIFI == "" {
			return nil, fmt.Errorf("%w: agent has no identifier", ErrInvalidInput)
		}
	}
	if input.Registration != "" {
		reg, err := uuid.Parse(input.Registration)
		if err != nil {
			return nil, fmt.Errorf("%w: registration: %v", ErrInvalidInput, err)
		}
		filter.Registration = &reg
	}
	if input.Since != "" {
		ts, err := xapi.ParseTime(input.Since)
		if err != nil {
			return nil, fmt.Errorf("%w: since: %v", ErrInvalidInput, err)
		}
		filter.Since = ts
	}
	if input.Until != "" {
		ts, err := xapi.ParseTime(input.Until)
		if err != nil {
			return nil, fmt.Errorf("%w: until: %v", ErrInvalidInput, err)
		}
		filter.Until = ts
	}
	var (
		page    storage.StatementPage
		atts    []storage.AttachmentRow
		through time.Time
	)
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		mineOnly, err := s.authorize(ctx, tx, input.Authorization, OpStatementsRead)
		if err != nil {
			return err
		}
		if mineOnly {
			filter.AuthorityIFI = input.Authorization.AuthorityIFI
		}
		page, err = s.store.QueryStatements(ctx, tx, filter)
		if err != nil {
			return err
		}
		if input.Attachments && len(page.IDs) > 0 {
			atts, err = s.store.Attachments(ctx, tx, page.IDs)
			if err != nil {
				return err
			}
		}
		through, err = s.store.ConsistentThrough(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.StatementsRead.WithLabelValues("query").Inc()
	}

	result := &StatementsResult{ConsistentThrough: through}
	for _, payload := range page.Payloads {
		result.Statements = append(result.Statements, json.RawMessage(payload))
	}
	for _, att := range atts {
		result.Attachments = append(result.Attachments, Attachment{
			SHA2:        att.SHA2,
			ContentType: att.ContentType,
			Contents:    att.Contents,
		})
	}
	if page.NextCursor != "" {
		result.More = s.moreURL(input, page.NextCursor)
	}
	return result, nil
}

func (s *Service) moreURL(input GetStatementsInput, cursor string) string {
	q := url.Values{}
	if input.Agent != nil {
		if data, err := json.Marshal(input.Agent); err == nil {
			q.Set("agent", string(data))
		}
	}
	if input.Verb != "" {
		q.Set("verb", input.Verb)
	}
	if input.Activity != "" {
		q.Set("activity", input.Activity)
	}
	if input.Registration != "" {
		q.Set("registration", input.Registration)
	}
	if input.Since != "" {
		q.Set("since", input.Since)
	}
	if input.Until != "" {
		q.Set("until", input.Until)
	}
	if input.RelatedActivities {
		q.Set("related_activities", "true")
	}
	if input.RelatedAgents {
		q.Set("related_agents", "true")
	}
	if input.Ascending {
		q.Set("ascending", "true")
	}
	if input.Attachments {
		q.Set("attachments", "true")
	}
	if input.Limit > 0 {
		q.Set("limit", strconv.Itoa(input.Limit))
	}
	q.Set("from", cursor)
	return strings.TrimRight(s.cfg.URLPrefix, "/") + "/statements?" + q.Encode()
}

type GetStatementInput struct {
	StatementID   string
	Voided        bool
	Attachments   bool
	Authorization *Authorization
}

type StatementResult struct {
	Statement         json.RawMessage
	Attachments       []Attachment
	ConsistentThrough time.Time
}

// GetStatement fetches a single statement by id. Callers restricted to
// their own statements only see statements carrying their authority.
func (s *Service) GetStatement(ctx context.Context, input GetStatementInput) (*StatementResult, error) {
	if _, err := s.Authorize(input.Authorization, OpStatementsRead); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(input.StatementID)
	if err != nil {
		return nil, fmt.Errorf("%w: statement id: %v", ErrInvalidInput, err)
	}

	var (
		mineOnly bool
		payload  []byte
		atts     []storage.AttachmentRow
		through  time.Time
	)
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		mineOnly, err = s.authorize(ctx, tx, input.Authorization, OpStatementsRead)
		if err != nil {
			return err
		}
		payload, err = s.store.GetStatement(ctx, tx, id, input.Voided)
		if err != nil {
			return err
		}
		if input.Attachments {
			atts, err = s.store.Attachments(ctx, tx, []uuid.UUID{id})
			if err != nil {
				return err
			}
		}
		through, err = s.store.ConsistentThrough(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	if mineOnly {
		var st xapi.Statement
		if err := json.Unmarshal(payload, &st); err != nil {
			return nil, fmt.Errorf("decode stored statement: %w", err)
		}
		if st.Authority == nil || st.Authority.IFI() != input.Authorization.AuthorityIFI {
			return nil, storage.ErrNotFound
		}
	}
	if s.metrics != nil {
		s.metrics.StatementsRead.WithLabelValues("single").Inc()
	}

	result := &StatementResult{
		Statement:         json.RawMessage(payload),
		ConsistentThrough: through,
	}
	for _, att := range atts {
		result.Attachments = append(result.Attachments, Attachment{
			SHA2:        att.SHA2,
			ContentType: att.ContentType,
			Contents:    att.Contents,
		})
	}
	return result, nil
}

type StatementsStoredEvent struct {
	events.Envelope
	StatementIDs []string `json:"statement_ids"`
	Authority    string   `json:"authority,omitempty"`
	Stored       string   `json:"stored"`
}

func (s *Service) publishStatementsStored(ctx context.Context, correlationID string, ids []string, authorityIFI string, stored time.Time) {
	if s.producer == nil || len(ids) == 0 {
		return
	}
	eventID := events.DeterministicEventID(append([]string{"lrs.statements.stored"}, ids...)...)
	env, err := events.NewEnvelopeWithID(eventID, "lrs.statements.stored", 1, correlationID)
	if err != nil {
		s.logger.Error("build statements stored envelope failed", "error", err)
		return
	}
	key := authorityIFI
	if key == "" {
		key = ids[0]
	}
	payload := StatementsStoredEvent{
		Envelope:     env,
		StatementIDs: ids,
		Authority:    authorityIFI,
		Stored:       stored.UTC().Format(xapi.TimestampFormat),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.cfg.StatementsTopic, key, payload); err != nil {
		s.logger.Error("publish statements stored failed", "error", err)
	}
}

func (s *Service) observeStore(status string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.StatementsStored.WithLabelValues(status).Inc()
	s.metrics.StatementStoreLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

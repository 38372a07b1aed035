package lrs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kimsama/lrsql/internal/storage"
	"github.com/kimsama/lrsql/internal/xapi"
)

// DocumentRef addresses a document resource. Which fields are required
// depends on the resource: state needs activity and agent, agent profile
// needs agent, activity profile needs activity. Registration only applies
// to state.
type DocumentRef struct {
	Resource     string
	ID           string
	Activity     string
	Agent        *xapi.Agent
	Registration string
}

func (s *Service) documentKey(ref DocumentRef, needID bool) (storage.DocumentKey, Op, Op, error) {
	key := storage.DocumentKey{Type: ref.Resource, ID: ref.ID}
	var readOp, writeOp Op

	switch ref.Resource {
	case storage.DocState:
		readOp, writeOp = OpStateRead, OpStateWrite
		if ref.Activity == "" {
			return key, 0, 0, fmt.Errorf("%w: activityId is required", ErrInvalidInput)
		}
		if ref.Agent == nil || ref.Agent.IFI() == "" {
			return key, 0, 0, fmt.Errorf("%w: agent is required", ErrInvalidInput)
		}
		key.ActivityIRI = ref.Activity
		key.AgentIFI = ref.Agent.IFI()
		if ref.Registration != "" {
			reg, err := uuid.Parse(ref.Registration)
			if err != nil {
				return key, 0, 0, fmt.Errorf("%w: registration: %v", ErrInvalidInput, err)
			}
			key.Registration = reg
		}
	case storage.DocAgentProfile:
		readOp, writeOp = OpProfileRead, OpProfileWrite
		if ref.Agent == nil || ref.Agent.IFI() == "" {
			return key, 0, 0, fmt.Errorf("%w: agent is required", ErrInvalidInput)
		}
		key.AgentIFI = ref.Agent.IFI()
	case storage.DocActivityProfile:
		readOp, writeOp = OpProfileRead, OpProfileWrite
		if ref.Activity == "" {
			return key, 0, 0, fmt.Errorf("%w: activityId is required", ErrInvalidInput)
		}
		key.ActivityIRI = ref.Activity
	default:
		return key, 0, 0, fmt.Errorf("%w: unknown document resource %q", ErrInvalidInput, ref.Resource)
	}

	if needID && key.ID == "" {
		return key, 0, 0, fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	return key, readOp, writeOp, nil
}

// PutDocument replaces the document contents.
func (s *Service) PutDocument(ctx context.Context, authz *Authorization, ref DocumentRef, contentType string, contents []byte) error {
	key, _, writeOp, err := s.documentKey(ref, true)
	if err != nil {
		return err
	}
	if _, err := s.Authorize(authz, writeOp); err != nil {
		return err
	}
	doc := storage.Document{
		Key:          key,
		ContentType:  defaultContentType(contentType),
		Contents:     contents,
		LastModified: s.now().UTC(),
	}
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.authorize(ctx, tx, authz, writeOp); err != nil {
			return err
		}
		return s.store.PutDocument(ctx, tx, doc)
	})
	s.observeDocument(ref.Resource, "put", err)
	return err
}

// PostDocument merges the contents into an existing JSON document, or
// stores them as a new document.
func (s *Service) PostDocument(ctx context.Context, authz *Authorization, ref DocumentRef, contentType string, contents []byte) error {
	key, _, writeOp, err := s.documentKey(ref, true)
	if err != nil {
		return err
	}
	if _, err := s.Authorize(authz, writeOp); err != nil {
		return err
	}
	doc := storage.Document{
		Key:          key,
		ContentType:  defaultContentType(contentType),
		Contents:     contents,
		LastModified: s.now().UTC(),
	}
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.authorize(ctx, tx, authz, writeOp); err != nil {
			return err
		}
		return s.store.MergeDocument(ctx, tx, doc)
	})
	s.observeDocument(ref.Resource, "post", err)
	return err
}

func (s *Service) GetDocument(ctx context.Context, authz *Authorization, ref DocumentRef) (storage.Document, error) {
	key, readOp, _, err := s.documentKey(ref, true)
	if err != nil {
		return storage.Document{}, err
	}
	if _, err := s.Authorize(authz, readOp); err != nil {
		return storage.Document{}, err
	}
	var doc storage.Document
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.authorize(ctx, tx, authz, readOp); err != nil {
			return err
		}
		var err error
		doc, err = s.store.GetDocument(ctx, tx, key)
		return err
	})
	return doc, err
}

// DeleteDocument removes one document, or, for the state resource with
// no id, every state document in the addressed context.
func (s *Service) DeleteDocument(ctx context.Context, authz *Authorization, ref DocumentRef) error {
	single := ref.ID != ""
	if !single && ref.Resource != storage.DocState {
		return fmt.Errorf("%w: document id is required", ErrInvalidInput)
	}
	key, _, writeOp, err := s.documentKey(ref, single)
	if err != nil {
		return err
	}
	if _, err := s.Authorize(authz, writeOp); err != nil {
		return err
	}
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.authorize(ctx, tx, authz, writeOp); err != nil {
			return err
		}
		if single {
			return s.store.DeleteDocument(ctx, tx, key)
		}
		return s.store.DeleteDocuments(ctx, tx, key)
	})
	s.observeDocument(ref.Resource, "delete", err)
	return err
}

// ListDocumentIDs lists document ids in the addressed container, limited
// to those modified after since when given.
func (s *Service) ListDocumentIDs(ctx context.Context, authz *Authorization, ref DocumentRef, since string) ([]string, error) {
	key, readOp, _, err := s.documentKey(ref, false)
	if err != nil {
		return nil, err
	}
	if _, err := s.Authorize(authz, readOp); err != nil {
		return nil, err
	}
	var sinceTS time.Time
	if since != "" {
		sinceTS, err = xapi.ParseTime(since)
		if err != nil {
			return nil, fmt.Errorf("%w: since: %v", ErrInvalidInput, err)
		}
	}
	var ids []string
	err = s.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.authorize(ctx, tx, authz, readOp); err != nil {
			return err
		}
		var err error
		ids, err = s.store.DocumentIDs(ctx, tx, key, sinceTS)
		return err
	})
	return ids, err
}

func defaultContentType(ct string) string {
	if ct == "" {
		return "application/octet-stream"
	}
	return ct
}

func (s *Service) observeDocument(resource, op string, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.DocumentOps.WithLabelValues(resource, op, status).Inc()
}

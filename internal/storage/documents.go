package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) GetDocument(ctx context.Context, tx pgx.Tx, key DocumentKey) (Document, error) {
	doc := Document{Key: key}
	row := tx.QueryRow(ctx, `
		SELECT content_type, contents, last_modified
		FROM documents
		WHERE doc_type = $1 AND doc_id = $2 AND activity_iri = $3 AND agent_ifi = $4 AND registration = $5
	`, key.Type, key.ID, key.ActivityIRI, key.AgentIFI, key.Registration)
	if err := row.Scan(&doc.ContentType, &doc.Contents, &doc.LastModified); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return doc, nil
}

// PutDocument stores the document, replacing any previous contents.
func (s *Store) PutDocument(ctx context.Context, tx pgx.Tx, doc Document) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO documents (doc_type, doc_id, activity_iri, agent_ifi, registration, content_type, content_length, contents, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (doc_type, doc_id, activity_iri, agent_ifi, registration) DO UPDATE
		SET content_type = EXCLUDED.content_type,
		    content_length = EXCLUDED.content_length,
		    contents = EXCLUDED.contents,
		    last_modified = EXCLUDED.last_modified
	`, doc.Key.Type, doc.Key.ID, doc.Key.ActivityIRI, doc.Key.AgentIFI, doc.Key.Registration,
		doc.ContentType, int64(len(doc.Contents)), doc.Contents, doc.LastModified)
	if err != nil {
		return fmt.Errorf("put document: %w", err)
	}
	return nil
}

// MergeDocument stores the document, merging top-level JSON keys into an
// existing document when one is present. Both the stored and the incoming
// document must be JSON objects for a merge; otherwise the write fails
// with ErrContentTypeMismatch.
func (s *Store) MergeDocument(ctx context.Context, tx pgx.Tx, doc Document) error {
	var existingType string
	var existing []byte
	row := tx.QueryRow(ctx, `
		SELECT content_type, contents
		FROM documents
		WHERE doc_type = $1 AND doc_id = $2 AND activity_iri = $3 AND agent_ifi = $4 AND registration = $5
		FOR UPDATE
	`, doc.Key.Type, doc.Key.ID, doc.Key.ActivityIRI, doc.Key.AgentIFI, doc.Key.Registration)
	if err := row.Scan(&existingType, &existing); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.PutDocument(ctx, tx, doc)
		}
		return err
	}

	if !isJSONContentType(existingType) || !isJSONContentType(doc.ContentType) {
		return ErrContentTypeMismatch
	}
	merged, err := mergeJSONObjects(existing, doc.Contents)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		UPDATE documents
		SET content_type = $6, content_length = $7, contents = $8, last_modified = $9
		WHERE doc_type = $1 AND doc_id = $2 AND activity_iri = $3 AND agent_ifi = $4 AND registration = $5
	`, doc.Key.Type, doc.Key.ID, doc.Key.ActivityIRI, doc.Key.AgentIFI, doc.Key.Registration,
		doc.ContentType, int64(len(merged)), merged, doc.LastModified)
	if err != nil {
		return fmt.Errorf("merge document: %w", err)
	}
	return nil
}

// DeleteDocument removes a single document. Deleting a missing document
// is not an error.
func (s *Store) DeleteDocument(ctx context.Context, tx pgx.Tx, key DocumentKey) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM documents
		WHERE doc_type = $1 AND doc_id = $2 AND activity_iri = $3 AND agent_ifi = $4 AND registration = $5
	`, key.Type, key.ID, key.ActivityIRI, key.AgentIFI, key.Registration)
	return err
}

// DeleteDocuments removes every document in the container described by
// key. A zero registration means no registration filter.
func (s *Store) DeleteDocuments(ctx context.Context, tx pgx.Tx, key DocumentKey) error {
	query := `DELETE FROM documents WHERE doc_type = $1 AND activity_iri = $2 AND agent_ifi = $3`
	args := []any{key.Type, key.ActivityIRI, key.AgentIFI}
	if key.Registration != uuid.Nil {
		query += ` AND registration = $4`
		args = append(args, key.Registration)
	}
	_, err := tx.Exec(ctx, query, args...)
	return err
}

// DocumentIDs lists ids in the container described by key, most recently
// modified last. A zero registration means no registration filter; a zero
// since means no time filter.
func (s *Store) DocumentIDs(ctx context.Context, tx pgx.Tx, key DocumentKey, since time.Time) ([]string, error) {
	query := `SELECT doc_id FROM documents WHERE doc_type = $1 AND activity_iri = $2 AND agent_ifi = $3`
	args := []any{key.Type, key.ActivityIRI, key.AgentIFI}
	idx := 4
	if key.Registration != uuid.Nil {
		query += fmt.Sprintf(` AND registration = $%d`, idx)
		args = append(args, key.Registration)
		idx++
	}
	if !since.IsZero() {
		query += fmt.Sprintf(` AND last_modified > $%d`, idx)
		args = append(args, since)
		idx++
	}
	query += ` ORDER BY last_modified, doc_id`

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func isJSONContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	ct, _, _ = strings.Cut(ct, ";")
	return strings.TrimSpace(ct) == "application/json"
}

func mergeJSONObjects(existing, incoming []byte) ([]byte, error) {
	var oldObj, newObj map[string]json.RawMessage
	if err := json.Unmarshal(existing, &oldObj); err != nil {
		return nil, fmt.Errorf("%w: stored document is not a JSON object", ErrContentTypeMismatch)
	}
	if err := json.Unmarshal(incoming, &newObj); err != nil {
		return nil, fmt.Errorf("%w: document is not a JSON object", ErrContentTypeMismatch)
	}
	for k, v := range newObj {
		oldObj[k] = v
	}
	return json.Marshal(oldObj)
}

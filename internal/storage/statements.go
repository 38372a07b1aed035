package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kimsama/lrsql/internal/xapi"
)

// InsertStatementInput persists one statement and all of its relations.
// Returns false when a statement with the same id already exists; the
// duplicate is suppressed and nothing else is written for it.
func (s *Store) InsertStatementInput(ctx context.Context, tx pgx.Tx, in StatementInput) (bool, error) {
	st := in.Statement
	tag, err := tx.Exec(ctx, `
		INSERT INTO statements (statement_id, registration, verb_iri, is_voided, authority_ifi, timestamp, stored, payload)
		VALUES ($1, $2, $3, FALSE, $4, $5, $6, $7::jsonb)
		ON CONFLICT (statement_id) DO NOTHING
	`, st.ID, st.Registration, st.VerbIRI, st.AuthorityIFI, st.Timestamp, st.Stored, st.Payload)
	if err != nil {
		return false, fmt.Errorf("insert statement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	for _, desc := range in.Descendants {
		if _, err := tx.Exec(ctx, `
			INSERT INTO statement_to_statement (ancestor_id, descendant_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, st.ID, desc); err != nil {
			return false, fmt.Errorf("insert statement relation: %w", err)
		}
	}

	for _, actor := range in.Actors {
		if _, err := tx.Exec(ctx, `
			INSERT INTO actors (actor_ifi, payload, last_modified)
			VALUES ($1, $2::jsonb, NOW())
			ON CONFLICT (actor_ifi) DO UPDATE
			SET payload = EXCLUDED.payload, last_modified = NOW()
		`, actor.IFI, actor.Payload); err != nil {
			return false, fmt.Errorf("upsert actor: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO statement_to_actor (statement_id, usage, actor_ifi)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, st.ID, actor.Usage, actor.IFI); err != nil {
			return false, fmt.Errorf("insert actor relation: %w", err)
		}
	}

	for _, activity := range in.Activities {
		if _, err := tx.Exec(ctx, `
			INSERT INTO activities (activity_iri, payload, last_modified)
			VALUES ($1, $2::jsonb, NOW())
			ON CONFLICT (activity_iri) DO UPDATE
			SET payload = activities.payload || EXCLUDED.payload, last_modified = NOW()
		`, activity.IRI, activity.Payload); err != nil {
			return false, fmt.Errorf("upsert activity: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO statement_to_activity (statement_id, usage, activity_iri)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, st.ID, activity.Usage, activity.IRI); err != nil {
			return false, fmt.Errorf("insert activity relation: %w", err)
		}
	}

	for _, att := range in.Attachments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO attachments (statement_id, sha2, content_type, content_length, contents)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`, st.ID, att.SHA2, att.ContentType, att.ContentLength, att.Contents); err != nil {
			return false, fmt.Errorf("insert attachment: %w", err)
		}
	}

	if in.VoidTarget != nil {
		// A voiding statement is never voidable itself, so the target is
		// only flipped when its verb is not the voiding verb.
		if _, err := tx.Exec(ctx, `
			UPDATE statements
			SET is_voided = TRUE
			WHERE statement_id = $1 AND verb_iri <> $2
		`, *in.VoidTarget, xapi.VerbVoided); err != nil {
			return false, fmt.Errorf("void statement: %w", err)
		}
	}

	return true, nil
}

// Descendants returns the ids of all statements reachable from the given
// statements through stored reference relations.
func (s *Store) Descendants(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT descendant_id
		FROM statement_to_statement
		WHERE ancestor_id = ANY($1::uuid[])
	`, uuidStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// QueryStatements returns one page of statements matching the filter.
// Statements referencing a filter match are included as well, so voiding
// statements surface when their target matches.
func (s *Store) QueryStatements(ctx context.Context, tx pgx.Tx, f StatementFilter) (StatementPage, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}

	args := []any{}
	idx := 1
	conds := []string{"st.is_voided = FALSE"}

	if !f.Since.IsZero() {
		conds = append(conds, fmt.Sprintf("st.stored > $%d", idx))
		args = append(args, f.Since)
		idx++
	}
	if !f.Until.IsZero() {
		conds = append(conds, fmt.Sprintf("st.stored <= $%d", idx))
		args = append(args, f.Until)
		idx++
	}
	if f.AuthorityIFI != "" {
		conds = append(conds, fmt.Sprintf("st.authority_ifi = $%d", idx))
		args = append(args, f.AuthorityIFI)
		idx++
	}
	if f.Cursor != "" {
		ts, id, err := decodeCursor(f.Cursor)
		if err != nil {
			return StatementPage{}, err
		}
		op := "<"
		if f.Ascending {
			op = ">"
		}
		conds = append(conds, fmt.Sprintf("(st.stored, st.statement_id) %s ($%d, $%d)", op, idx, idx+1))
		args = append(args, ts, id)
		idx += 2
	}

	attr := attributeConds(f, "st", &idx, &args)
	if len(attr) > 0 {
		inner := attributeConds(f, "d", &idx, &args)
		conds = append(conds, fmt.Sprintf(`(%s OR st.statement_id IN (
			SELECT sts.ancestor_id
			FROM statement_to_statement sts
			JOIN statements d ON d.statement_id = sts.descendant_id
			WHERE %s
		))`, strings.Join(attr, " AND "), strings.Join(inner, " AND ")))
	}

	order := "DESC"
	if f.Ascending {
		order = "ASC"
	}
	query := fmt.Sprintf(`
		SELECT st.statement_id, st.payload, st.stored
		FROM statements st
		WHERE %s
		ORDER BY st.stored %s, st.statement_id %s
		LIMIT $%d
	`, strings.Join(conds, " AND "), order, order, idx)
	args = append(args, f.Limit+1)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return StatementPage{}, err
	}
	defer rows.Close()

	type item struct {
		id      uuid.UUID
		payload []byte
		stored  time.Time
	}
	items := make([]item, 0, f.Limit)
	for rows.Next() {
		var it item
		if err := rows.Scan(&it.id, &it.payload, &it.stored); err != nil {
			return StatementPage{}, err
		}
		items = append(items, it)
	}
	if rows.Err() != nil {
		return StatementPage{}, rows.Err()
	}

	var page StatementPage
	if len(items) > f.Limit {
		last := items[f.Limit-1]
		items = items[:f.Limit]
		page.NextCursor = encodeCursor(last.stored, last.id)
	}
	for _, it := range items {
		page.IDs = append(page.IDs, it.id)
		page.Payloads = append(page.Payloads, it.payload)
	}
	return page, nil
}

func attributeConds(f StatementFilter, alias string, idx *int, args *[]any) []string {
	var conds []string
	if f.VerbIRI != "" {
		conds = append(conds, fmt.Sprintf("%s.verb_iri = $%d", alias, *idx))
		*args = append(*args, f.VerbIRI)
		*idx++
	}
	if f.Registration != nil {
		conds = append(conds, fmt.Sprintf("%s.registration = $%d", alias, *idx))
		*args = append(*args, *f.Registration)
		*idx++
	}
	if f.AgentIFI != "" {
		usage := " AND sa.usage IN ('Actor', 'Object')"
		if f.RelatedAgents {
			usage = ""
		}
		conds = append(conds, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM statement_to_actor sa
			WHERE sa.statement_id = %s.statement_id AND sa.actor_ifi = $%d%s
		)`, alias, *idx, usage))
		*args = append(*args, f.AgentIFI)
		*idx++
	}
	if f.ActivityIRI != "" {
		usage := " AND ta.usage = 'Object'"
		if f.RelatedActivities {
			usage = ""
		}
		conds = append(conds, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM statement_to_activity ta
			WHERE ta.statement_id = %s.statement_id AND ta.activity_iri = $%d%s
		)`, alias, *idx, usage))
		*args = append(*args, f.ActivityIRI)
		*idx++
	}
	return conds
}

// GetStatement fetches a single statement payload. The voided flag
// selects between the live and the voided variant of the lookup.
func (s *Store) GetStatement(ctx context.Context, tx pgx.Tx, id uuid.UUID, voided bool) ([]byte, error) {
	var payload []byte
	row := tx.QueryRow(ctx, `
		SELECT payload FROM statements
		WHERE statement_id = $1 AND is_voided = $2
	`, id, voided)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return payload, nil
}

// ConsistentThrough reports the point in time up to which statement
// storage is complete. Falls back to the database clock when empty.
func (s *Store) ConsistentThrough(ctx context.Context, tx pgx.Tx) (time.Time, error) {
	var ts time.Time
	row := tx.QueryRow(ctx, `SELECT COALESCE(MAX(stored), NOW()) FROM statements`)
	if err := row.Scan(&ts); err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

// Attachments returns the stored attachments for the given statements,
// ordered by statement then hash.
func (s *Store) Attachments(ctx context.Context, tx pgx.Tx, ids []uuid.UUID) ([]AttachmentRow, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT statement_id, sha2, content_type, content_length, contents
		FROM attachments
		WHERE statement_id = ANY($1::uuid[])
		ORDER BY statement_id, sha2
	`, uuidStrings(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttachmentRow
	for rows.Next() {
		var att AttachmentRow
		if err := rows.Scan(&att.StatementID, &att.SHA2, &att.ContentType, &att.ContentLength, &att.Contents); err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, rows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func encodeCursor(ts time.Time, id uuid.UUID) string {
	payload := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id.String())
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return ts, id, nil
}

package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

func (s *Store) GetActor(ctx context.Context, tx pgx.Tx, ifi string) ([]byte, error) {
	var payload []byte
	row := tx.QueryRow(ctx, `SELECT payload FROM actors WHERE actor_ifi = $1`, ifi)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return payload, nil
}

func (s *Store) GetActivity(ctx context.Context, tx pgx.Tx, iri string) ([]byte, error) {
	var payload []byte
	row := tx.QueryRow(ctx, `SELECT payload FROM activities WHERE activity_iri = $1`, iri)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return payload, nil
}

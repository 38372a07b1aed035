package lrs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kimsama/lrsql/internal/storage"
	"github.com/kimsama/lrsql/internal/xapi"
)

// GetPerson combines the requested agent with any stored representation
// into the Person view of the agents resource.
func (s *Service) GetPerson(ctx context.Context, authz *Authorization, agent *xapi.Agent) (*xapi.Person, error) {
	if _, err := s.Authorize(authz, OpAgentsRead); err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: agent is required", ErrInvalidInput)
	}
	ifi := agent.IFI()
	if ifi == "" {
		return nil, fmt.Errorf("%w: agent has no identifier", ErrInvalidInput)
	}

	var person xapi.Person
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.authorize(ctx, tx, authz, OpAgentsRead); err != nil {
			return err
		}
		payload, err := s.store.GetActor(ctx, tx, ifi)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				person = xapi.PersonFor(*agent)
				return nil
			}
			return err
		}
		stored, err := xapi.ParseAgent(payload)
		if err != nil {
			return fmt.Errorf("decode stored actor: %w", err)
		}
		person = xapi.PersonFor(*agent, stored)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &person, nil
}

// GetActivity returns the canonical activity, or a bare activity object
// when nothing has been stored under the iri yet.
func (s *Service) GetActivity(ctx context.Context, authz *Authorization, iri string) (json.RawMessage, error) {
	if _, err := s.Authorize(authz, OpActivitiesRead); err != nil {
		return nil, err
	}
	if iri == "" {
		return nil, fmt.Errorf("%w: activityId is required", ErrInvalidInput)
	}

	var payload []byte
	err := s.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := s.authorize(ctx, tx, authz, OpActivitiesRead); err != nil {
			return err
		}
		var err error
		payload, err = s.store.GetActivity(ctx, tx, iri)
		if errors.Is(err, storage.ErrNotFound) {
			payload, err = json.Marshal(xapi.Activity{ObjectType: "Activity", ID: iri})
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

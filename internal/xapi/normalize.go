package xapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidStatement = errors.New("invalid statement")

// Normalize fills the server-assigned fields of an incoming statement:
// id when absent, timestamp defaulting to stored, the stored time, the
// LRS authority, and the version. It validates what it touches.
func Normalize(s *Statement, now time.Time, authority Agent) error {
	if err := validate(s); err != nil {
		return err
	}

	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	stored := now.UTC().Format(TimestampFormat)
	s.Stored = stored
	if s.Timestamp == "" {
		s.Timestamp = stored
	}

	auth := authority
	s.Authority = &auth

	if s.Version == "" {
		s.Version = Version
	}

	return nil
}

func validate(s *Statement) error {
	if s.ID != "" {
		if _, err := uuid.Parse(s.ID); err != nil {
			return fmt.Errorf("%w: id %q is not a UUID", ErrInvalidStatement, s.ID)
		}
	}
	if s.Verb.ID == "" {
		return fmt.Errorf("%w: verb id is required", ErrInvalidStatement)
	}
	if len(s.Object) == 0 {
		return fmt.Errorf("%w: object is required", ErrInvalidStatement)
	}
	if s.Actor.IFI() == "" && !(s.Actor.IsGroup() && len(s.Actor.Member) > 0) {
		return fmt.Errorf("%w: actor requires an identifier", ErrInvalidStatement)
	}
	if s.Timestamp != "" {
		if _, err := ParseTime(s.Timestamp); err != nil {
			return fmt.Errorf("%w: bad timestamp %q", ErrInvalidStatement, s.Timestamp)
		}
	}
	if s.Context != nil && s.Context.Registration != "" {
		if _, err := uuid.Parse(s.Context.Registration); err != nil {
			return fmt.Errorf("%w: registration %q is not a UUID", ErrInvalidStatement, s.Context.Registration)
		}
	}
	if s.Verb.ID == VerbVoided {
		if _, ok := s.ObjectStatementRef(); !ok {
			return fmt.Errorf("%w: voiding requires a StatementRef object", ErrInvalidStatement)
		}
	}
	for _, att := range s.Attachments {
		if att.SHA2 == "" && att.FileURL == "" {
			return fmt.Errorf("%w: attachment requires sha2 or fileUrl", ErrInvalidStatement)
		}
	}
	return nil
}

// ParseTime accepts the ISO 8601 forms statements carry.
func ParseTime(value string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

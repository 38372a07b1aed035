package xapi

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
)

const (
	Version = "1.0.3"

	VerbVoided = "http://adlnet.gov/expapi/verbs/voided"

	TimestampFormat = "2006-01-02T15:04:05.000Z07:00"
)

type Verb struct {
	ID      string            `json:"id"`
	Display map[string]string `json:"display,omitempty"`
}

type Activity struct {
	ObjectType string          `json:"objectType,omitempty"`
	ID         string          `json:"id"`
	Definition json.RawMessage `json:"definition,omitempty"`
}

type StatementRef struct {
	ObjectType string `json:"objectType"`
	ID         string `json:"id"`
}

// ActivityList accepts both the single-object and the array form used
// for contextActivities values.
type ActivityList []Activity

func (l *ActivityList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []Activity
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*l = ActivityList(items)
		return nil
	}
	var single Activity
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*l = ActivityList{single}
	return nil
}

type ContextActivities struct {
	Parent   ActivityList `json:"parent,omitempty"`
	Grouping ActivityList `json:"grouping,omitempty"`
	Category ActivityList `json:"category,omitempty"`
	Other    ActivityList `json:"other,omitempty"`
}

type Context struct {
	Registration      string                     `json:"registration,omitempty"`
	Instructor        *Agent                     `json:"instructor,omitempty"`
	Team              *Agent                     `json:"team,omitempty"`
	ContextActivities *ContextActivities         `json:"contextActivities,omitempty"`
	Revision          string                     `json:"revision,omitempty"`
	Platform          string                     `json:"platform,omitempty"`
	Language          string                     `json:"language,omitempty"`
	Statement         *StatementRef              `json:"statement,omitempty"`
	Extensions        map[string]json.RawMessage `json:"extensions,omitempty"`
}

type AttachmentMeta struct {
	UsageType   string            `json:"usageType"`
	Display     map[string]string `json:"display"`
	Description map[string]string `json:"description,omitempty"`
	ContentType string            `json:"contentType"`
	Length      int64             `json:"length"`
	SHA2        string            `json:"sha2"`
	FileURL     string            `json:"fileUrl,omitempty"`
}

type SubStatement struct {
	ObjectType string          `json:"objectType"`
	Actor      Agent           `json:"actor"`
	Verb       Verb            `json:"verb"`
	Object     json.RawMessage `json:"object"`
	Result     json.RawMessage `json:"result,omitempty"`
	Context    *Context        `json:"context,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

type Statement struct {
	ID          string           `json:"id,omitempty"`
	Actor       Agent            `json:"actor"`
	Verb        Verb             `json:"verb"`
	Object      json.RawMessage  `json:"object"`
	Result      json.RawMessage  `json:"result,omitempty"`
	Context     *Context         `json:"context,omitempty"`
	Timestamp   string           `json:"timestamp,omitempty"`
	Stored      string           `json:"stored,omitempty"`
	Authority   *Agent           `json:"authority,omitempty"`
	Version     string           `json:"version,omitempty"`
	Attachments []AttachmentMeta `json:"attachments,omitempty"`
}

type objectTypeProbe struct {
	ObjectType string `json:"objectType"`
}

func objectTypeOf(raw json.RawMessage) string {
	var probe objectTypeProbe
	if err := json.Unmarshal(raw, &probe); err != nil || probe.ObjectType == "" {
		return "Activity"
	}
	return probe.ObjectType
}

func (s *Statement) ObjectType() string {
	return objectTypeOf(s.Object)
}

func (s *Statement) ObjectActivity() (*Activity, bool) {
	if s.ObjectType() != "Activity" {
		return nil, false
	}
	var act Activity
	if err := json.Unmarshal(s.Object, &act); err != nil || act.ID == "" {
		return nil, false
	}
	return &act, true
}

func (s *Statement) ObjectAgent() (*Agent, bool) {
	ot := s.ObjectType()
	if ot != "Agent" && ot != "Group" {
		return nil, false
	}
	var agent Agent
	if err := json.Unmarshal(s.Object, &agent); err != nil {
		return nil, false
	}
	return &agent, true
}

func (s *Statement) ObjectStatementRef() (*StatementRef, bool) {
	if s.ObjectType() != "StatementRef" {
		return nil, false
	}
	var ref StatementRef
	if err := json.Unmarshal(s.Object, &ref); err != nil || ref.ID == "" {
		return nil, false
	}
	return &ref, true
}

func (s *Statement) ObjectSubStatement() (*SubStatement, bool) {
	if s.ObjectType() != "SubStatement" {
		return nil, false
	}
	var sub SubStatement
	if err := json.Unmarshal(s.Object, &sub); err != nil {
		return nil, false
	}
	return &sub, true
}

// IsVoiding reports whether the statement voids another statement.
func (s *Statement) IsVoiding() bool {
	_, ok := s.VoidTarget()
	return ok
}

// VoidTarget returns the id of the statement being voided.
func (s *Statement) VoidTarget() (uuid.UUID, bool) {
	if s.Verb.ID != VerbVoided {
		return uuid.Nil, false
	}
	ref, ok := s.ObjectStatementRef()
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(ref.ID)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// ReferencedIDs returns every statement id this statement points at:
// a StatementRef object and a context statement ref.
func (s *Statement) ReferencedIDs() []uuid.UUID {
	var ids []uuid.UUID
	if ref, ok := s.ObjectStatementRef(); ok {
		if id, err := uuid.Parse(ref.ID); err == nil {
			ids = append(ids, id)
		}
	}
	if s.Context != nil && s.Context.Statement != nil {
		if id, err := uuid.Parse(s.Context.Statement.ID); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Registration returns the context registration, or uuid.Nil when absent.
func (s *Statement) Registration() (uuid.UUID, bool) {
	if s.Context == nil || s.Context.Registration == "" {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s.Context.Registration)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

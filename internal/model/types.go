package model

import (
	"encoding/json"
	"fmt"
	"time"

	"voteauth.org/internal/fields"
)

// Census enrollment modes.
const (
	CensusOpen   = "open"
	CensusClosed = "closed"
)

// Tally statuses tracked on an auth event.
const (
	TallyPending    = "pending"
	TallyStarted    = "started"
	TallyNotStarted = "notstarted"
	TallySuccess    = "success"
)

// UserData statuses.
const (
	StatusActive  = "act"
	StatusPending = "pen"
)

// Permission and object constants used in ACL grants.
const (
	PermVote      = "vote"
	PermEdit      = "edit"
	TypeAuthEvent = "AuthEvent"
	TypeUserData  = "UserData"
)

// AuthEvent is an election / authentication context: an auth method, its
// configuration and pipelines, and a census of voters.
type AuthEvent struct {
	ID                         int64
	AuthMethod                 string
	Config                     MethodConfig
	Census                     string
	Status                     string
	TallyStatus                string
	ParentID                   *int64
	AllowPublicCensusQuery     bool
	NumSuccessfulLoginsAllowed int
	Created                    time.Time
	Updated                    time.Time
}

// ParentOrSelf returns the id of the event owning the census: the parent for
// child events sharing a census, the event itself otherwise.
func (e *AuthEvent) ParentOrSelf() int64 {
	if e.ParentID != nil {
		return *e.ParentID
	}
	return e.ID
}

// MethodConfig is the method-specific configuration stored on an auth event:
// free-form config (mail subject, provider ids...), the register and
// authenticate pipelines, and the extra-field schema.
type MethodConfig struct {
	Config      map[string]any      `json:"config"`
	Pipelines   Pipelines           `json:"pipelines"`
	ExtraFields []fields.Definition `json:"extra_fields"`
}

// Pipelines holds the ordered check lists gating each stage.
type Pipelines struct {
	Register     []PipeEntry `json:"register-pipeline"`
	Authenticate []PipeEntry `json:"authenticate-pipeline"`
}

// PipeEntry is one configured check: a name plus its parameters. The wire
// form is a two-element tuple ["check_name", {params}]; a plain object with
// name/params keys is accepted too.
type PipeEntry struct {
	Name   string
	Params map[string]any
}

func (p *PipeEntry) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err == nil {
		if len(tuple) == 0 || len(tuple) > 2 {
			return fmt.Errorf("pipeline entry must be [name, params], got %d elements", len(tuple))
		}
		if err := json.Unmarshal(tuple[0], &p.Name); err != nil {
			return fmt.Errorf("pipeline entry name: %w", err)
		}
		p.Params = map[string]any{}
		if len(tuple) == 2 {
			if err := json.Unmarshal(tuple[1], &p.Params); err != nil {
				return fmt.Errorf("pipeline entry params: %w", err)
			}
		}
		return nil
	}
	var obj struct {
		Name   string         `json:"name"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.Name = obj.Name
	p.Params = obj.Params
	if p.Params == nil {
		p.Params = map[string]any{}
	}
	return nil
}

func (p PipeEntry) MarshalJSON() ([]byte, error) {
	params := p.Params
	if params == nil {
		params = map[string]any{}
	}
	return json.Marshal([]any{p.Name, params})
}

// User holds the credential material of an identity.
type User struct {
	ID         int64
	Username   string
	Password   string // hashed, never plaintext
	Email      string
	FirstName  string
	LastName   string
	Active     bool
	Staff      bool
	Superuser  bool
	DateJoined time.Time
}

// UserData links a user to its auth event and carries the method-specific
// metadata validated against the event's extra-field schema. EventID is set
// at creation and immutable afterwards.
type UserData struct {
	ID       int64
	UserID   int64
	EventID  int64
	Status   string
	Metadata map[string]any
	Tlf      string
}

// MetadataString returns a string metadata value or "".
func (d *UserData) MetadataString(key string) string {
	if d.Metadata == nil {
		return ""
	}
	if s, ok := d.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// MetadataBool returns a boolean metadata value, false when absent.
func (d *UserData) MetadataBool(key string) bool {
	if d.Metadata == nil {
		return false
	}
	b, _ := d.Metadata[key].(bool)
	return b
}

// ACL grants a permission on an object to a userdata row. Duplicate grants
// are possible; permission checks test existence, never count.
type ACL struct {
	ID         int64
	UserDataID int64
	Perm       string
	ObjectType string
	ObjectID   int64
	Created    time.Time
}

// Action is an append-only audit record. Rows are never mutated or deleted.
type Action struct {
	ID       int64
	Executer *int64
	Receiver *int64
	Name     string
	EventID  *int64
	Metadata map[string]any
	Created  time.Time
}

// Code is a one-time verification code issued to a userdata row.
type Code struct {
	ID         int64
	UserDataID int64
	Code       string
	Created    time.Time
}

// List kinds for per-event census lists.
const (
	ListWhitelist = "whitelist"
	ListBlacklist = "blacklist"
)

// ListEntry is a whitelist or blacklist row scoped to an event and field.
type ListEntry struct {
	EventID int64
	Kind    string
	Field   string
	Value   string
}

// Snapshot is a coherent row set of census data for a set of events, the unit
// moved by the bulk transfer subsystem.
type Snapshot struct {
	Events   []*AuthEvent
	Users    []*User
	UserData []*UserData
	ACLs     []*ACL
}

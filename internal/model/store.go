package model

import (
	"context"
	"time"
)

// Store describes the persistence operations required by the census and
// authentication subsystems.
type Store interface {
	Events() EventStore
	Users() UserStore
	ACLs() ACLStore
	Actions() ActionStore
	Codes() CodeStore
	Lists() ListStore
	Attempts() AttemptStore
	Bulk() BulkStore
}

// EventStore manages auth events.
type EventStore interface {
	Create(ctx context.Context, e *AuthEvent) error
	Find(ctx context.Context, id int64) (*AuthEvent, error)
	ListByTallyStatus(ctx context.Context, status string) ([]*AuthEvent, error)
	UpdateTallyStatus(ctx context.Context, id int64, status string) error
}

// UserStore manages user and userdata rows. User and userdata are created
// together; the event link is fixed at creation.
type UserStore interface {
	Create(ctx context.Context, u *User, d *UserData) error
	FindByID(ctx context.Context, id int64) (*User, *UserData, error)
	FindByUsername(ctx context.Context, eventID int64, username string) (*User, *UserData, error)
	FindByEmail(ctx context.Context, eventID int64, email string) (*User, *UserData, error)
	FindByPhone(ctx context.Context, eventID int64, tlf string) (*User, *UserData, error)
	FindBySubject(ctx context.Context, eventID int64, sub string) (*User, *UserData, error)
	UpdateMetadata(ctx context.Context, userDataID int64, metadata map[string]any) error
	SetActive(ctx context.Context, userID int64, active bool) error
	ActiveUsernamesByEvent(ctx context.Context, eventID int64) ([]string, error)
}

// ACLStore manages permission grants.
type ACLStore interface {
	Grant(ctx context.Context, acl *ACL) error
	HasPerm(ctx context.Context, userDataID int64, perm, objectType string, objectID int64) (bool, error)
}

// ActionStore appends immutable audit actions.
type ActionStore interface {
	Append(ctx context.Context, a *Action) error
	CountForUser(ctx context.Context, name string, receiverID int64) (int, error)
}

// CodeStore manages one-time verification codes.
type CodeStore interface {
	Create(ctx context.Context, c *Code) error
	Latest(ctx context.Context, userDataID int64) (*Code, error)
}

// ListStore answers whitelist/blacklist membership per event and field.
type ListStore interface {
	Add(ctx context.Context, entry ListEntry) error
	Contains(ctx context.Context, eventID int64, kind, field, value string) (bool, error)
}

// AttemptStore is the durable sliding-window counter store backing
// check_total_max. Counters are computed from stored attempt rows, never from
// process memory.
type AttemptStore interface {
	Record(ctx context.Context, eventID int64, checkName, field, value string, at time.Time) error
	Count(ctx context.Context, eventID int64, checkName, field, value string, since time.Time) (int, error)
}

// BulkStore covers the long-running, operator-supervised census transfer
// operations. ImportSnapshot and BulkLoad run in a single transaction each;
// partial failure leaves the destination unmodified.
type BulkStore interface {
	EventsByIDs(ctx context.Context, ids []int64) ([]*AuthEvent, error)
	CountEventsByIDs(ctx context.Context, ids []int64) (int, error)
	UsersForEvents(ctx context.Context, eventIDs []int64) ([]*User, error)
	UserDataForEvents(ctx context.Context, eventIDs []int64) ([]*UserData, error)
	ACLsForEvents(ctx context.Context, eventIDs []int64) ([]*ACL, error)
	// ImportSnapshot deletes user/userdata/acl rows belonging to the
	// snapshot's event ids and loads the snapshot row sets. Event rows are
	// loaded only when includeEvents is set.
	ImportSnapshot(ctx context.Context, snap *Snapshot, includeEvents bool) error
	MaxUserID(ctx context.Context) (int64, error)
	MaxUserDataID(ctx context.Context) (int64, error)
	// BulkLoad inserts pre-allocated user/userdata/acl rows in one transaction.
	BulkLoad(ctx context.Context, users []*User, data []*UserData, acls []*ACL) error
	DeleteEventData(ctx context.Context, eventIDs []int64) error
}

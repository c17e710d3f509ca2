package model

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Used by
// service-level tests and local development; production uses the pg store.
type InMemory struct {
	mu sync.RWMutex

	events   map[int64]*AuthEvent
	users    map[int64]*User
	userdata map[int64]*UserData
	acls     []*ACL
	actions  []*Action
	codes    []*Code
	lists    []ListEntry
	attempts []attemptRow

	nextEventID    int64
	nextUserID     int64
	nextUserDataID int64
	nextACLID      int64
	nextActionID   int64
	nextCodeID     int64
}

type attemptRow struct {
	eventID int64
	check   string
	field   string
	value   string
	at      time.Time
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		events:   make(map[int64]*AuthEvent),
		users:    make(map[int64]*User),
		userdata: make(map[int64]*UserData),
	}
}

func (s *InMemory) Events() EventStore     { return (*memEvents)(s) }
func (s *InMemory) Users() UserStore       { return (*memUsers)(s) }
func (s *InMemory) ACLs() ACLStore         { return (*memACLs)(s) }
func (s *InMemory) Actions() ActionStore   { return (*memActions)(s) }
func (s *InMemory) Codes() CodeStore       { return (*memCodes)(s) }
func (s *InMemory) Lists() ListStore       { return (*memLists)(s) }
func (s *InMemory) Attempts() AttemptStore { return (*memAttempts)(s) }
func (s *InMemory) Bulk() BulkStore        { return (*memBulk)(s) }

type memEvents InMemory

func (s *memEvents) Create(ctx context.Context, e *AuthEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == 0 {
		s.nextEventID++
		e.ID = s.nextEventID
	} else if e.ID > s.nextEventID {
		s.nextEventID = e.ID
	}
	if _, exists := s.events[e.ID]; exists {
		return ErrConflict
	}
	if e.Created.IsZero() {
		e.Created = time.Now().UTC()
	}
	cp := *e
	s.events[e.ID] = &cp
	return nil
}

func (s *memEvents) Find(ctx context.Context, id int64) (*AuthEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *memEvents) ListByTallyStatus(ctx context.Context, status string) ([]*AuthEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AuthEvent
	for _, e := range s.events {
		if e.TallyStatus == status {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memEvents) UpdateTallyStatus(ctx context.Context, id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return ErrNotFound
	}
	e.TallyStatus = status
	e.Updated = time.Now().UTC()
	return nil
}

type memUsers InMemory

func (s *memUsers) Create(ctx context.Context, u *User, d *UserData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Username == u.Username {
			return ErrConflict
		}
	}
	if u.ID == 0 {
		s.nextUserID++
		u.ID = s.nextUserID
	} else if u.ID > s.nextUserID {
		s.nextUserID = u.ID
	}
	if u.DateJoined.IsZero() {
		u.DateJoined = time.Now().UTC()
	}
	if d.ID == 0 {
		s.nextUserDataID++
		d.ID = s.nextUserDataID
	} else if d.ID > s.nextUserDataID {
		s.nextUserDataID = d.ID
	}
	d.UserID = u.ID
	ucp := *u
	dcp := *d
	dcp.Metadata = copyMeta(d.Metadata)
	s.users[u.ID] = &ucp
	s.userdata[d.ID] = &dcp
	return nil
}

func (s *memUsers) FindByID(ctx context.Context, id int64) (*User, *UserData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil, ErrNotFound
	}
	return s.pairLocked(u)
}

func (s *memUsers) FindByUsername(ctx context.Context, eventID int64, username string) (*User, *UserData, error) {
	return s.findBy(eventID, func(u *User, d *UserData) bool { return u.Username == username })
}

func (s *memUsers) FindByEmail(ctx context.Context, eventID int64, email string) (*User, *UserData, error) {
	return s.findBy(eventID, func(u *User, d *UserData) bool {
		return u.Email == email || d.MetadataString("email") == email
	})
}

func (s *memUsers) FindByPhone(ctx context.Context, eventID int64, tlf string) (*User, *UserData, error) {
	return s.findBy(eventID, func(u *User, d *UserData) bool { return d.Tlf == tlf })
}

func (s *memUsers) FindBySubject(ctx context.Context, eventID int64, sub string) (*User, *UserData, error) {
	return s.findBy(eventID, func(u *User, d *UserData) bool { return d.MetadataString("sub") == sub })
}

func (s *memUsers) findBy(eventID int64, match func(*User, *UserData) bool) (*User, *UserData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.userdata {
		if eventID != 0 && d.EventID != eventID {
			continue
		}
		u, ok := s.users[d.UserID]
		if !ok {
			continue
		}
		if match(u, d) {
			ucp := *u
			dcp := *d
			dcp.Metadata = copyMeta(d.Metadata)
			return &ucp, &dcp, nil
		}
	}
	return nil, nil, ErrNotFound
}

func (s *memUsers) pairLocked(u *User) (*User, *UserData, error) {
	for _, d := range s.userdata {
		if d.UserID == u.ID {
			ucp := *u
			dcp := *d
			dcp.Metadata = copyMeta(d.Metadata)
			return &ucp, &dcp, nil
		}
	}
	return nil, nil, ErrNotFound
}

func (s *memUsers) UpdateMetadata(ctx context.Context, userDataID int64, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.userdata[userDataID]
	if !ok {
		return ErrNotFound
	}
	d.Metadata = copyMeta(metadata)
	return nil
}

func (s *memUsers) SetActive(ctx context.Context, userID int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Active = active
	return nil
}

func (s *memUsers) ActiveUsernamesByEvent(ctx context.Context, eventID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type pair struct {
		id   int64
		name string
	}
	var pairs []pair
	for _, d := range s.userdata {
		if d.EventID != eventID {
			continue
		}
		u, ok := s.users[d.UserID]
		if !ok || !u.Active {
			continue
		}
		pairs = append(pairs, pair{u.ID, u.Username})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].id < pairs[j].id })
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, p.name)
	}
	return out, nil
}

type memACLs InMemory

func (s *memACLs) Grant(ctx context.Context, acl *ACL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextACLID++
	cp := *acl
	cp.ID = s.nextACLID
	if cp.Created.IsZero() {
		cp.Created = time.Now().UTC()
	}
	s.acls = append(s.acls, &cp)
	acl.ID = cp.ID
	return nil
}

func (s *memACLs) HasPerm(ctx context.Context, userDataID int64, perm, objectType string, objectID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.acls {
		if a.UserDataID == userDataID && a.Perm == perm && a.ObjectType == objectType && a.ObjectID == objectID {
			return true, nil
		}
	}
	return false, nil
}

type memActions InMemory

func (s *memActions) Append(ctx context.Context, a *Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextActionID++
	cp := *a
	cp.ID = s.nextActionID
	cp.Metadata = copyMeta(a.Metadata)
	if cp.Created.IsZero() {
		cp.Created = time.Now().UTC()
	}
	s.actions = append(s.actions, &cp)
	a.ID = cp.ID
	return nil
}

// ActionsByEvent returns the recorded actions for an event in append order.
func (s *InMemory) ActionsByEvent(eventID int64) []*Action {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Action
	for _, a := range s.actions {
		if a.EventID != nil && *a.EventID == eventID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

func (s *memActions) CountForUser(ctx context.Context, name string, receiverID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.actions {
		if a.Name == name && a.Receiver != nil && *a.Receiver == receiverID {
			n++
		}
	}
	return n, nil
}

type memCodes InMemory

func (s *memCodes) Create(ctx context.Context, c *Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCodeID++
	cp := *c
	cp.ID = s.nextCodeID
	if cp.Created.IsZero() {
		cp.Created = time.Now().UTC()
	}
	s.codes = append(s.codes, &cp)
	c.ID = cp.ID
	return nil
}

func (s *memCodes) Latest(ctx context.Context, userDataID int64) (*Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Code
	for _, c := range s.codes {
		if c.UserDataID != userDataID {
			continue
		}
		if latest == nil || c.Created.After(latest.Created) || (c.Created.Equal(latest.Created) && c.ID > latest.ID) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

type memLists InMemory

func (s *memLists) Add(ctx context.Context, entry ListEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists = append(s.lists, entry)
	return nil
}

func (s *memLists) Contains(ctx context.Context, eventID int64, kind, field, value string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.lists {
		if e.EventID == eventID && e.Kind == kind && e.Field == field && e.Value == value {
			return true, nil
		}
	}
	return false, nil
}

type memAttempts InMemory

func (s *memAttempts) Record(ctx context.Context, eventID int64, checkName, field, value string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attemptRow{eventID, checkName, field, value, at})
	return nil
}

func (s *memAttempts) Count(ctx context.Context, eventID int64, checkName, field, value string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, a := range s.attempts {
		if a.eventID != eventID || a.check != checkName || a.field != field || a.value != value {
			continue
		}
		if !since.IsZero() && a.at.Before(since) {
			continue
		}
		n++
	}
	return n, nil
}

type memBulk InMemory

func (s *memBulk) EventsByIDs(ctx context.Context, ids []int64) ([]*AuthEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*AuthEvent
	if len(ids) == 0 {
		for _, e := range s.events {
			cp := *e
			out = append(out, &cp)
		}
	} else {
		for _, id := range ids {
			if e, ok := s.events[id]; ok {
				cp := *e
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memBulk) CountEventsByIDs(ctx context.Context, ids []int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, id := range ids {
		if _, ok := s.events[id]; ok {
			n++
		}
	}
	return n, nil
}

func (s *memBulk) UsersForEvents(ctx context.Context, eventIDs []int64) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*User
	for _, d := range s.userdata {
		if !containsID(eventIDs, d.EventID) {
			continue
		}
		if u, ok := s.users[d.UserID]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memBulk) UserDataForEvents(ctx context.Context, eventIDs []int64) ([]*UserData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*UserData
	for _, d := range s.userdata {
		if !containsID(eventIDs, d.EventID) {
			continue
		}
		cp := *d
		cp.Metadata = copyMeta(d.Metadata)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memBulk) ACLsForEvents(ctx context.Context, eventIDs []int64) ([]*ACL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ACL
	for _, a := range s.acls {
		d, ok := s.userdata[a.UserDataID]
		if !ok || !containsID(eventIDs, d.EventID) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memBulk) ImportSnapshot(ctx context.Context, snap *Snapshot, includeEvents bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventIDs := make([]int64, 0, len(snap.Events))
	for _, e := range snap.Events {
		eventIDs = append(eventIDs, e.ID)
	}

	if includeEvents {
		for _, e := range snap.Events {
			cp := *e
			s.events[e.ID] = &cp
			if e.ID > s.nextEventID {
				s.nextEventID = e.ID
			}
		}
	}

	// Replace user/userdata/acl rows for the target events. Dependent rows
	// (acls, users) go before userdata, matching the pg delete order.
	s.deleteEventDataLocked(eventIDs)

	for _, u := range snap.Users {
		cp := *u
		s.users[u.ID] = &cp
		if u.ID > s.nextUserID {
			s.nextUserID = u.ID
		}
	}
	for _, d := range snap.UserData {
		cp := *d
		cp.Metadata = copyMeta(d.Metadata)
		s.userdata[d.ID] = &cp
		if d.ID > s.nextUserDataID {
			s.nextUserDataID = d.ID
		}
	}
	for _, a := range snap.ACLs {
		cp := *a
		if cp.ID == 0 {
			s.nextACLID++
			cp.ID = s.nextACLID
		} else if cp.ID > s.nextACLID {
			s.nextACLID = cp.ID
		}
		s.acls = append(s.acls, &cp)
	}
	return nil
}

func (s *memBulk) MaxUserID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for id := range s.users {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *memBulk) MaxUserDataID(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int64
	for id := range s.userdata {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (s *memBulk) BulkLoad(ctx context.Context, users []*User, data []*UserData, acls []*ACL) error {
	return s.ImportSnapshot(ctx, &Snapshot{Users: users, UserData: data, ACLs: acls}, false)
}

func (s *memBulk) DeleteEventData(ctx context.Context, eventIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteEventDataLocked(eventIDs)
	return nil
}

func (s *memBulk) deleteEventDataLocked(eventIDs []int64) {
	var keptACLs []*ACL
	for _, a := range s.acls {
		d, ok := s.userdata[a.UserDataID]
		if ok && containsID(eventIDs, d.EventID) {
			continue
		}
		keptACLs = append(keptACLs, a)
	}
	s.acls = keptACLs

	for id, d := range s.userdata {
		if containsID(eventIDs, d.EventID) {
			delete(s.users, d.UserID)
			delete(s.userdata, id)
		}
	}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func copyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

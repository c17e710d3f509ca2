// Package pg implements the persistence interfaces on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"voteauth.org/internal/model"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type Store struct {
	db *sql.DB
}

var _ model.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle, used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Events() model.EventStore     { return &events{s.db} }
func (s *Store) Users() model.UserStore       { return &users{s.db} }
func (s *Store) ACLs() model.ACLStore         { return &acls{s.db} }
func (s *Store) Actions() model.ActionStore   { return &actions{s.db} }
func (s *Store) Codes() model.CodeStore       { return &codes{s.db} }
func (s *Store) Lists() model.ListStore       { return &lists{s.db} }
func (s *Store) Attempts() model.AttemptStore { return &attempts{s.db} }
func (s *Store) Bulk() model.BulkStore        { return &bulk{s.db} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func mapWriteError(err error) error {
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return model.ErrConflict
		case pgErrForeignKeyViolation:
			return model.ErrInvalidInput
		}
	}
	return err
}

func marshalMeta(meta map[string]any) ([]byte, error) {
	if meta == nil {
		meta = map[string]any{}
	}
	return json.Marshal(meta)
}

type events struct{ db *sql.DB }

const eventColumns = `id, auth_method, census, status, tally_status, parent_id,
	allow_public_census_query, num_successful_logins_allowed, config, created, updated`

func (s *events) Create(ctx context.Context, e *model.AuthEvent) error {
	cfg, err := json.Marshal(e.Config)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if e.Created.IsZero() {
		e.Created = now
	}
	e.Updated = now
	err = s.db.QueryRowContext(ctx, `
		insert into auth_events(auth_method, census, status, tally_status, parent_id,
			allow_public_census_query, num_successful_logins_allowed, config, created, updated)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		returning id
	`, e.AuthMethod, e.Census, e.Status, e.TallyStatus, e.ParentID,
		e.AllowPublicCensusQuery, e.NumSuccessfulLoginsAllowed, cfg, e.Created, e.Updated).Scan(&e.ID)
	return mapWriteError(err)
}

func (s *events) Find(ctx context.Context, id int64) (*model.AuthEvent, error) {
	row := s.db.QueryRowContext(ctx, `select `+eventColumns+` from auth_events where id=$1`, id)
	return scanEvent(row)
}

func (s *events) ListByTallyStatus(ctx context.Context, status string) ([]*model.AuthEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+eventColumns+` from auth_events where tally_status=$1 order by id
	`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.AuthEvent
	for rows.Next() {
		e, serr := scanEvent(rows)
		if serr != nil {
			return nil, serr
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *events) UpdateTallyStatus(ctx context.Context, id int64, status string) error {
	res, err := s.db.ExecContext(ctx, `
		update auth_events set tally_status=$2, updated=now() where id=$1
	`, id, status)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*model.AuthEvent, error) {
	var e model.AuthEvent
	var parent sql.NullInt64
	var cfg []byte
	err := row.Scan(&e.ID, &e.AuthMethod, &e.Census, &e.Status, &e.TallyStatus, &parent,
		&e.AllowPublicCensusQuery, &e.NumSuccessfulLoginsAllowed, &cfg, &e.Created, &e.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if parent.Valid {
		e.ParentID = &parent.Int64
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &e.Config); err != nil {
			return nil, err
		}
	}
	return &e, nil
}

type users struct{ db *sql.DB }

const userJoinColumns = `u.id, u.username, u.password, u.email, u.first_name, u.last_name,
	u.active, u.staff, u.superuser, u.date_joined,
	d.id, d.user_id, d.event_id, d.status, d.metadata, d.tlf`

func (s *users) Create(ctx context.Context, u *model.User, d *model.UserData) error {
	meta, err := marshalMeta(d.Metadata)
	if err != nil {
		return err
	}
	if u.DateJoined.IsZero() {
		u.DateJoined = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx, `
		insert into users(username, password, email, first_name, last_name, active, staff, superuser, date_joined)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		returning id
	`, u.Username, u.Password, u.Email, u.FirstName, u.LastName, u.Active, u.Staff, u.Superuser, u.DateJoined).Scan(&u.ID)
	if err != nil {
		return mapWriteError(err)
	}

	d.UserID = u.ID
	err = tx.QueryRowContext(ctx, `
		insert into userdata(user_id, event_id, status, metadata, tlf)
		values ($1,$2,$3,$4,$5)
		returning id
	`, d.UserID, d.EventID, d.Status, meta, d.Tlf).Scan(&d.ID)
	if err != nil {
		return mapWriteError(err)
	}
	return tx.Commit()
}

func (s *users) FindByID(ctx context.Context, id int64) (*model.User, *model.UserData, error) {
	return s.findOne(ctx, `u.id=$1`, id)
}

func (s *users) FindByUsername(ctx context.Context, eventID int64, username string) (*model.User, *model.UserData, error) {
	return s.findOne(ctx, `($1 = 0 or d.event_id = $1) and u.username=$2`, eventID, username)
}

func (s *users) FindByEmail(ctx context.Context, eventID int64, email string) (*model.User, *model.UserData, error) {
	return s.findOne(ctx, `($1 = 0 or d.event_id = $1) and u.email=$2`, eventID, email)
}

func (s *users) FindByPhone(ctx context.Context, eventID int64, tlf string) (*model.User, *model.UserData, error) {
	return s.findOne(ctx, `($1 = 0 or d.event_id = $1) and d.tlf=$2`, eventID, tlf)
}

func (s *users) FindBySubject(ctx context.Context, eventID int64, sub string) (*model.User, *model.UserData, error) {
	return s.findOne(ctx, `($1 = 0 or d.event_id = $1) and d.metadata->>'sub' = $2`, eventID, sub)
}

func (s *users) findOne(ctx context.Context, where string, args ...any) (*model.User, *model.UserData, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+userJoinColumns+`
		from users u join userdata d on d.user_id = u.id
		where `+where+`
		order by u.id
		limit 1
	`, args...)
	return scanUser(row)
}

func scanUser(row rowScanner) (*model.User, *model.UserData, error) {
	var u model.User
	var d model.UserData
	var meta []byte
	err := row.Scan(&u.ID, &u.Username, &u.Password, &u.Email, &u.FirstName, &u.LastName,
		&u.Active, &u.Staff, &u.Superuser, &u.DateJoined,
		&d.ID, &d.UserID, &d.EventID, &d.Status, &meta, &d.Tlf)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, model.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &d.Metadata); err != nil {
			return nil, nil, err
		}
	}
	return &u, &d, nil
}

func (s *users) UpdateMetadata(ctx context.Context, userDataID int64, metadata map[string]any) error {
	meta, err := marshalMeta(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `update userdata set metadata=$2 where id=$1`, userDataID, meta)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *users) SetActive(ctx context.Context, userID int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `update users set active=$2 where id=$1`, userID, active)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *users) ActiveUsernamesByEvent(ctx context.Context, eventID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select u.username
		from users u join userdata d on d.user_id = u.id
		where d.event_id=$1 and u.active
		order by u.id
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

type acls struct{ db *sql.DB }

func (s *acls) Grant(ctx context.Context, acl *model.ACL) error {
	if acl.Created.IsZero() {
		acl.Created = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into acls(userdata_id, perm, object_type, object_id, created)
		values ($1,$2,$3,$4,$5)
		returning id
	`, acl.UserDataID, acl.Perm, acl.ObjectType, acl.ObjectID, acl.Created).Scan(&acl.ID)
	return mapWriteError(err)
}

func (s *acls) HasPerm(ctx context.Context, userDataID int64, perm, objectType string, objectID int64) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from acls
			where userdata_id=$1 and perm=$2 and object_type=$3 and object_id=$4
		)
	`, userDataID, perm, objectType, objectID).Scan(&found)
	return found, err
}

type actions struct{ db *sql.DB }

func (s *actions) Append(ctx context.Context, a *model.Action) error {
	meta, err := marshalMeta(a.Metadata)
	if err != nil {
		return err
	}
	if a.Created.IsZero() {
		a.Created = time.Now().UTC()
	}
	err = s.db.QueryRowContext(ctx, `
		insert into actions(executer, receiver, name, event_id, metadata, created)
		values ($1,$2,$3,$4,$5,$6)
		returning id
	`, a.Executer, a.Receiver, a.Name, a.EventID, meta, a.Created).Scan(&a.ID)
	return mapWriteError(err)
}

func (s *actions) CountForUser(ctx context.Context, name string, receiverID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from actions where name=$1 and receiver=$2
	`, name, receiverID).Scan(&n)
	return n, err
}

type codes struct{ db *sql.DB }

func (s *codes) Create(ctx context.Context, c *model.Code) error {
	if c.Created.IsZero() {
		c.Created = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		insert into codes(userdata_id, code, created)
		values ($1,$2,$3)
		returning id
	`, c.UserDataID, c.Code, c.Created).Scan(&c.ID)
	return mapWriteError(err)
}

func (s *codes) Latest(ctx context.Context, userDataID int64) (*model.Code, error) {
	var c model.Code
	err := s.db.QueryRowContext(ctx, `
		select id, userdata_id, code, created
		from codes where userdata_id=$1
		order by created desc, id desc
		limit 1
	`, userDataID).Scan(&c.ID, &c.UserDataID, &c.Code, &c.Created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type lists struct{ db *sql.DB }

func (s *lists) Add(ctx context.Context, entry model.ListEntry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into census_lists(event_id, kind, field, value)
		values ($1,$2,$3,$4)
		on conflict (event_id, kind, field, value) do nothing
	`, entry.EventID, entry.Kind, entry.Field, entry.Value)
	return mapWriteError(err)
}

func (s *lists) Contains(ctx context.Context, eventID int64, kind, field, value string) (bool, error) {
	var found bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from census_lists
			where event_id=$1 and kind=$2 and field=$3 and value=$4
		)
	`, eventID, kind, field, value).Scan(&found)
	return found, err
}

type attempts struct{ db *sql.DB }

func (s *attempts) Record(ctx context.Context, eventID int64, checkName, field, value string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		insert into register_attempts(event_id, check_name, field, value, created)
		values ($1,$2,$3,$4,$5)
	`, eventID, checkName, field, value, at)
	return mapWriteError(err)
}

func (s *attempts) Count(ctx context.Context, eventID int64, checkName, field, value string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from register_attempts
		where event_id=$1 and check_name=$2 and field=$3 and value=$4 and created >= $5
	`, eventID, checkName, field, value, since).Scan(&n)
	return n, err
}

package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"voteauth.org/internal/model"
)

// bulk implements the operator-supervised census transfer operations. Both
// ImportSnapshot and BulkLoad run in one transaction so a failure anywhere
// leaves the destination unmodified.
type bulk struct{ db *sql.DB }

func (s *bulk) EventsByIDs(ctx context.Context, ids []int64) ([]*model.AuthEvent, error) {
	query := `select ` + eventColumns + ` from auth_events order by id`
	args := []any{}
	if len(ids) > 0 {
		query = `select ` + eventColumns + ` from auth_events where id = any($1) order by id`
		args = append(args, ids)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *bulk) CountEventsByIDs(ctx context.Context, ids []int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		select count(*) from auth_events where id = any($1)
	`, ids).Scan(&n)
	return n, err
}

func (s *bulk) UsersForEvents(ctx context.Context, eventIDs []int64) ([]*model.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select u.id, u.username, u.password, u.email, u.first_name, u.last_name,
			u.active, u.staff, u.superuser, u.date_joined
		from users u join userdata d on d.user_id = u.id
		where d.event_id = any($1)
		order by u.id
	`, eventIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Username, &u.Password, &u.Email, &u.FirstName, &u.LastName,
			&u.Active, &u.Staff, &u.Superuser, &u.DateJoined); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (s *bulk) UserDataForEvents(ctx context.Context, eventIDs []int64) ([]*model.UserData, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, event_id, status, metadata, tlf
		from userdata where event_id = any($1)
		order by id
	`, eventIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.UserData
	for rows.Next() {
		var d model.UserData
		var meta []byte
		if err := rows.Scan(&d.ID, &d.UserID, &d.EventID, &d.Status, &meta, &d.Tlf); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &d.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *bulk) ACLsForEvents(ctx context.Context, eventIDs []int64) ([]*model.ACL, error) {
	rows, err := s.db.QueryContext(ctx, `
		select a.id, a.userdata_id, a.perm, a.object_type, a.object_id, a.created
		from acls a join userdata d on d.id = a.userdata_id
		where d.event_id = any($1)
		order by a.id
	`, eventIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ACL
	for rows.Next() {
		var a model.ACL
		if err := rows.Scan(&a.ID, &a.UserDataID, &a.Perm, &a.ObjectType, &a.ObjectID, &a.Created); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *bulk) ImportSnapshot(ctx context.Context, snap *model.Snapshot, includeEvents bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	eventIDs := make([]int64, 0, len(snap.Events))
	for _, e := range snap.Events {
		eventIDs = append(eventIDs, e.ID)
	}

	if includeEvents {
		for _, e := range snap.Events {
			cfg, merr := json.Marshal(e.Config)
			if merr != nil {
				return merr
			}
			if _, err := tx.ExecContext(ctx, `
				insert into auth_events(id, auth_method, census, status, tally_status, parent_id,
					allow_public_census_query, num_successful_logins_allowed, config, created, updated)
				values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			`, e.ID, e.AuthMethod, e.Census, e.Status, e.TallyStatus, e.ParentID,
				e.AllowPublicCensusQuery, e.NumSuccessfulLoginsAllowed, cfg, e.Created, e.Updated); err != nil {
				return mapWriteError(err)
			}
		}
	}

	if len(eventIDs) > 0 {
		if err := deleteEventData(ctx, tx, eventIDs); err != nil {
			return err
		}
	}

	if err := loadRows(ctx, tx, snap.Users, snap.UserData, snap.ACLs); err != nil {
		return err
	}
	if err := fixSequences(ctx, tx, includeEvents); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *bulk) MaxUserID(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `select coalesce(max(id), 0) from users`).Scan(&max)
	return max, err
}

func (s *bulk) MaxUserDataID(ctx context.Context) (int64, error) {
	var max int64
	err := s.db.QueryRowContext(ctx, `select coalesce(max(id), 0) from userdata`).Scan(&max)
	return max, err
}

func (s *bulk) BulkLoad(ctx context.Context, users []*model.User, data []*model.UserData, acls []*model.ACL) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := loadRows(ctx, tx, users, data, acls); err != nil {
		return err
	}
	if err := fixSequences(ctx, tx, false); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *bulk) DeleteEventData(ctx context.Context, eventIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteEventData(ctx, tx, eventIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// deleteEventData removes the census rows of the given events. Users go
// first, then acls, then userdata, so no statement ever orphans a row the
// next one depends on.
func deleteEventData(ctx context.Context, tx *sql.Tx, eventIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `
		delete from users where id in (select user_id from userdata where event_id = any($1))
	`, eventIDs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		delete from acls where userdata_id in (select id from userdata where event_id = any($1))
	`, eventIDs); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		delete from userdata where event_id = any($1)
	`, eventIDs); err != nil {
		return err
	}
	return nil
}

func loadRows(ctx context.Context, tx *sql.Tx, users []*model.User, data []*model.UserData, acls []*model.ACL) error {
	for _, u := range users {
		if _, err := tx.ExecContext(ctx, `
			insert into users(id, username, password, email, first_name, last_name, active, staff, superuser, date_joined)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, u.ID, u.Username, u.Password, u.Email, u.FirstName, u.LastName,
			u.Active, u.Staff, u.Superuser, u.DateJoined); err != nil {
			return mapWriteError(err)
		}
	}
	for _, d := range data {
		meta, err := marshalMeta(d.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			insert into userdata(id, user_id, event_id, status, metadata, tlf)
			values ($1,$2,$3,$4,$5,$6)
		`, d.ID, d.UserID, d.EventID, d.Status, meta, d.Tlf); err != nil {
			return mapWriteError(err)
		}
	}
	for _, a := range acls {
		created := a.Created
		if created.IsZero() {
			created = time.Now().UTC()
		}
		var err error
		if a.ID != 0 {
			_, err = tx.ExecContext(ctx, `
				insert into acls(id, userdata_id, perm, object_type, object_id, created)
				values ($1,$2,$3,$4,$5,$6)
			`, a.ID, a.UserDataID, a.Perm, a.ObjectType, a.ObjectID, created)
		} else {
			_, err = tx.ExecContext(ctx, `
				insert into acls(userdata_id, perm, object_type, object_id, created)
				values ($1,$2,$3,$4,$5)
			`, a.UserDataID, a.Perm, a.ObjectType, a.ObjectID, created)
		}
		if err != nil {
			return mapWriteError(err)
		}
	}
	return nil
}

// fixSequences realigns serial sequences after explicit-id inserts.
func fixSequences(ctx context.Context, tx *sql.Tx, includeEvents bool) error {
	tables := []string{"users", "userdata", "acls"}
	if includeEvents {
		tables = append(tables, "auth_events")
	}
	for _, table := range tables {
		if _, err := tx.ExecContext(ctx, `
			select setval(pg_get_serial_sequence('`+table+`','id'), greatest(coalesce(max(id),0), 1)) from `+table,
		); err != nil {
			return err
		}
	}
	return nil
}

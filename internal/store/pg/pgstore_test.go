package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"voteauth.org/internal/model"
)

// arrayConverter accepts the int64 slice parameters bound for
// `= any($1)` queries, which the default converter rejects.
type arrayConverter struct{}

func (arrayConverter) ConvertValue(v any) (driver.Value, error) {
	if ids, ok := v.([]int64); ok {
		return fmt.Sprint(ids), nil
	}
	return driver.DefaultParameterConverter.ConvertValue(v)
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.ValueConverterOption(arrayConverter{}))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEventFindMapsNoRows(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select (.+) from auth_events where id=").
		WithArgs(int64(42)).
		WillReturnError(sql.ErrNoRows)

	_, err := store.Events().Find(context.Background(), 42)
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	expectMet(t, mock)
}

func TestEventFindScansConfig(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	cfg := []byte(`{"config":{"provider":"test-idp"},"pipelines":{},"extra_fields":null}`)

	rows := sqlmock.NewRows([]string{
		"id", "auth_method", "census", "status", "tally_status", "parent_id",
		"allow_public_census_query", "num_successful_logins_allowed", "config", "created", "updated",
	}).AddRow(int64(4), "openid-connect", "open", "started", "pending", nil, true, 1, cfg, created, created)

	mock.ExpectQuery("select (.+) from auth_events where id=").
		WithArgs(int64(4)).
		WillReturnRows(rows)

	e, err := store.Events().Find(context.Background(), 4)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if e.AuthMethod != "openid-connect" || e.ParentID != nil || !e.AllowPublicCensusQuery {
		t.Fatalf("event %+v", e)
	}
	if got, _ := e.Config.Config["provider"].(string); got != "test-idp" {
		t.Fatalf("config lost: %+v", e.Config)
	}
	expectMet(t, mock)
}

func TestEventCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("insert into auth_events").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Events().Create(context.Background(), &model.AuthEvent{AuthMethod: "email"})
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
	expectMet(t, mock)
}

func TestUpdateTallyStatusUnknownEvent(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("update auth_events set tally_status=").
		WithArgs(int64(9), model.TallyStarted).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Events().UpdateTallyStatus(context.Background(), 9, model.TallyStarted)
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	expectMet(t, mock)
}

func TestUserCreateIsTransactional(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("insert into users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery("insert into userdata").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
	mock.ExpectCommit()

	u := &model.User{Username: "alice", Active: true}
	d := &model.UserData{EventID: 4, Status: model.StatusActive}
	if err := store.Users().Create(context.Background(), u, d); err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.ID != 7 || d.ID != 12 || d.UserID != 7 {
		t.Fatalf("ids not propagated: u=%d d=%d user_id=%d", u.ID, d.ID, d.UserID)
	}
	expectMet(t, mock)
}

func TestUserCreateRollsBackOnUserdataFailure(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("insert into users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery("insert into userdata").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectRollback()

	err := store.Users().Create(context.Background(), &model.User{Username: "alice"}, &model.UserData{EventID: 99})
	if !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("got %v, want ErrInvalidInput", err)
	}
	expectMet(t, mock)
}

func TestFindByUsernameScansMetadata(t *testing.T) {
	store, mock := newMock(t)
	joined := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	meta, _ := json.Marshal(map[string]any{"email_verified": true})

	rows := sqlmock.NewRows([]string{
		"id", "username", "password", "email", "first_name", "last_name",
		"active", "staff", "superuser", "date_joined",
		"d_id", "user_id", "event_id", "status", "metadata", "tlf",
	}).AddRow(int64(7), "alice", "hash", "a@example.com", "", "", true, false, false, joined,
		int64(12), int64(7), int64(4), model.StatusActive, meta, "")

	mock.ExpectQuery("from users u join userdata d").
		WithArgs(int64(4), "alice").
		WillReturnRows(rows)

	u, d, err := store.Users().FindByUsername(context.Background(), 4, "alice")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if u.Username != "alice" || !d.MetadataBool("email_verified") {
		t.Fatalf("scan lost fields: %+v %+v", u, d)
	}
	expectMet(t, mock)
}

func TestActiveUsernamesByEvent(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select u.username").
		WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"username"}).AddRow("alice").AddRow("bob"))

	names, err := store.Users().ActiveUsernamesByEvent(context.Background(), 4)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(names) != 2 || names[0] != "alice" {
		t.Fatalf("names %v", names)
	}
	expectMet(t, mock)
}

func TestCodesLatestOrdersByRecency(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("from codes where userdata_id=").
		WithArgs(int64(12)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "userdata_id", "code", "created"}).
			AddRow(int64(3), int64(12), "12345678", created))

	c, err := store.Codes().Latest(context.Background(), 12)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if c.Code != "12345678" {
		t.Fatalf("code %q", c.Code)
	}
	expectMet(t, mock)
}

func TestAttemptCountWindow(t *testing.T) {
	store, mock := newMock(t)
	since := time.Date(2026, 3, 15, 11, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select count(.+) from register_attempts").
		WithArgs(int64(4), "check_total_max", "tlf", "+34666111222", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := store.Attempts().Count(context.Background(), 4, "check_total_max", "tlf", "+34666111222", since)
	if err != nil || n != 2 {
		t.Fatalf("count: n=%d err=%v", n, err)
	}
	expectMet(t, mock)
}

func TestGrantKeepsDuplicates(t *testing.T) {
	store, mock := newMock(t)
	created := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	// a repeated grant is a second plain insert, never an upsert
	const grantSQL = `^insert into acls\(userdata_id, perm, object_type, object_id, created\) values \(\$1,\$2,\$3,\$4,\$5\) returning id$`
	mock.ExpectQuery(grantSQL).
		WithArgs(int64(1), model.PermVote, model.TypeAuthEvent, int64(4), created).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery(grantSQL).
		WithArgs(int64(1), model.PermVote, model.TypeAuthEvent, int64(4), created).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(8)))

	first := &model.ACL{UserDataID: 1, Perm: model.PermVote, ObjectType: model.TypeAuthEvent, ObjectID: 4, Created: created}
	if err := store.ACLs().Grant(context.Background(), first); err != nil {
		t.Fatalf("grant: %v", err)
	}
	second := &model.ACL{UserDataID: 1, Perm: model.PermVote, ObjectType: model.TypeAuthEvent, ObjectID: 4, Created: created}
	if err := store.ACLs().Grant(context.Background(), second); err != nil {
		t.Fatalf("duplicate grant: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("duplicate grant reused id %d", first.ID)
	}
	expectMet(t, mock)
}

func TestImportSnapshotDeleteOrder(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from users where id in").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("delete from acls where userdata_id in").WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec("delete from userdata where event_id").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("insert into users").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into userdata").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into acls").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("select setval").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("select setval").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("select setval").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	snap := &model.Snapshot{
		Events:   []*model.AuthEvent{{ID: 4}},
		Users:    []*model.User{{ID: 1, Username: "alice"}},
		UserData: []*model.UserData{{ID: 1, UserID: 1, EventID: 4}},
		ACLs:     []*model.ACL{{ID: 1, UserDataID: 1, Perm: model.PermVote, ObjectType: model.TypeAuthEvent, ObjectID: 4}},
	}
	if err := store.Bulk().ImportSnapshot(context.Background(), snap, false); err != nil {
		t.Fatalf("import: %v", err)
	}
	expectMet(t, mock)
}

func TestImportSnapshotRollsBackOnFailure(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from users where id in").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from acls where userdata_id in").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("delete from userdata where event_id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	snap := &model.Snapshot{
		Events: []*model.AuthEvent{{ID: 4}},
		Users:  []*model.User{{ID: 1, Username: "alice"}},
	}
	err := store.Bulk().ImportSnapshot(context.Background(), snap, false)
	if !errors.Is(err, model.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict", err)
	}
	expectMet(t, mock)
}

func TestDeleteEventData(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from users where id in").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("delete from acls where userdata_id in").WillReturnResult(sqlmock.NewResult(0, 6))
	mock.ExpectExec("delete from userdata where event_id").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	if err := store.Bulk().DeleteEventData(context.Background(), []int64{4}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	expectMet(t, mock)
}

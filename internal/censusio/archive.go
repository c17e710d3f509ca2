// Package censusio moves census data in bulk: portable archives for
// instance-to-instance transfer, flat-file municipal imports and the staged
// voter insert/delete operations behind the operator CLI.
package censusio

import (
	"archive/tar"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"voteauth.org/internal/model"
	"voteauth.org/internal/obs"
)

// Archive member names. The manifest travels first so a reader can decide
// policy before touching row data.
const (
	memberManifest = "manifest"
	memberEvents   = "events"
	memberUsers    = "users"
	memberUserData = "userdata"
	memberACLs     = "acls"
)

const csvDelimiter = ';'

// Manifest identifies an archive: the event ids it contains, the instance
// that produced it and when.
type Manifest struct {
	Events []int64 `json:"events"`
	Source string  `json:"source"`
	Date   string  `json:"date"`
}

// Export writes a census archive for the given event ids to w. Empty ids
// exports every event; explicit ids that match nothing are an error.
func Export(ctx context.Context, store model.Store, w io.Writer, eventIDs []int64, source string, now time.Time) error {
	events, err := store.Bulk().EventsByIDs(ctx, eventIDs)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no auth events matched %v", eventIDs)
	}
	ids := make([]int64, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}

	users, err := store.Bulk().UsersForEvents(ctx, ids)
	if err != nil {
		return err
	}
	data, err := store.Bulk().UserDataForEvents(ctx, ids)
	if err != nil {
		return err
	}
	acls, err := store.Bulk().ACLsForEvents(ctx, ids)
	if err != nil {
		return err
	}

	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	sort.Slice(data, func(i, j int) bool { return data[i].ID < data[j].ID })
	sort.Slice(acls, func(i, j int) bool { return acls[i].ID < acls[j].ID })

	tw := tar.NewWriter(w)
	manifest, err := json.Marshal(Manifest{
		Events: ids,
		Source: source,
		Date:   now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if err := writeMember(tw, memberManifest, manifest); err != nil {
		return err
	}
	if err := writeMember(tw, memberEvents, marshalEvents(events)); err != nil {
		return err
	}
	if err := writeMember(tw, memberUsers, marshalUsers(users)); err != nil {
		return err
	}
	if err := writeMember(tw, memberUserData, marshalUserData(data)); err != nil {
		return err
	}
	if err := writeMember(tw, memberACLs, marshalACLs(acls)); err != nil {
		return err
	}
	obs.Info("census exported", map[string]any{
		"events": len(events), "users": len(users), "acls": len(acls),
	})
	return tw.Close()
}

// EventCheck validates an event row an import is about to create. Callers
// pass the method registry's setup-time validation; nil skips the check.
type EventCheck func(*model.AuthEvent) error

// Import loads a census archive into the store. The manifest decides the
// event policy: none of its events present loads everything, all present
// replaces only the census rows, a partial overlap aborts before any
// mutation. Event rows about to be created must pass check.
func Import(ctx context.Context, store model.Store, r io.Reader, check EventCheck) (*Manifest, error) {
	members, err := readMembers(r)
	if err != nil {
		return nil, err
	}

	raw, found := members[memberManifest]
	if !found {
		return nil, fmt.Errorf("archive has no manifest")
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if len(manifest.Events) == 0 {
		return nil, fmt.Errorf("manifest names no events")
	}
	for _, id := range manifest.Events {
		if id <= 0 {
			return nil, fmt.Errorf("manifest has invalid event id %d", id)
		}
	}

	present, err := store.Bulk().CountEventsByIDs(ctx, manifest.Events)
	if err != nil {
		return nil, err
	}
	includeEvents := false
	switch {
	case present == 0:
		includeEvents = true
	case present == len(manifest.Events):
	default:
		return nil, fmt.Errorf("archive events partially present: %d of %d exist", present, len(manifest.Events))
	}

	snap := &model.Snapshot{}
	if snap.Events, err = unmarshalEvents(members[memberEvents]); err != nil {
		return nil, err
	}
	if snap.Users, err = unmarshalUsers(members[memberUsers]); err != nil {
		return nil, err
	}
	if snap.UserData, err = unmarshalUserData(members[memberUserData]); err != nil {
		return nil, err
	}
	if snap.ACLs, err = unmarshalACLs(members[memberACLs]); err != nil {
		return nil, err
	}
	if includeEvents && check != nil {
		for _, ae := range snap.Events {
			if err := check(ae); err != nil {
				return nil, fmt.Errorf("archive event rejected: %w", err)
			}
		}
	}

	if err := store.Bulk().ImportSnapshot(ctx, snap, includeEvents); err != nil {
		return nil, err
	}
	obs.Info("census imported", map[string]any{
		"source": manifest.Source, "events": len(manifest.Events),
		"users": len(snap.Users), "created_events": includeEvents,
	})
	return &manifest, nil
}

func writeMember(tw *tar.Writer, name string, body []byte) error {
	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o600,
		Size: int64(len(body)),
	}); err != nil {
		return err
	}
	_, err := tw.Write(body)
	return err
}

func readMembers(r io.Reader) (map[string][]byte, error) {
	members := make(map[string][]byte, 5)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read archive member %s: %w", hdr.Name, err)
		}
		members[hdr.Name] = body
	}
	return members, nil
}

func newCSVWriter(sb *strings.Builder) *csv.Writer {
	w := csv.NewWriter(sb)
	w.Comma = csvDelimiter
	return w
}

func newCSVReader(body []byte) *csv.Reader {
	r := csv.NewReader(strings.NewReader(string(body)))
	r.Comma = csvDelimiter
	return r
}

func marshalEvents(events []*model.AuthEvent) []byte {
	var sb strings.Builder
	w := newCSVWriter(&sb)
	for _, e := range events {
		cfg, _ := json.Marshal(e.Config)
		parent := ""
		if e.ParentID != nil {
			parent = strconv.FormatInt(*e.ParentID, 10)
		}
		w.Write([]string{
			strconv.FormatInt(e.ID, 10),
			e.AuthMethod,
			e.Census,
			e.Status,
			e.TallyStatus,
			parent,
			strconv.FormatBool(e.AllowPublicCensusQuery),
			strconv.Itoa(e.NumSuccessfulLoginsAllowed),
			string(cfg),
			e.Created.UTC().Format(time.RFC3339Nano),
		})
	}
	w.Flush()
	return []byte(sb.String())
}

func unmarshalEvents(body []byte) ([]*model.AuthEvent, error) {
	records, err := newCSVReader(body).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}
	out := make([]*model.AuthEvent, 0, len(records))
	for _, rec := range records {
		if len(rec) != 10 {
			return nil, fmt.Errorf("events row has %d columns, want 10", len(rec))
		}
		e := &model.AuthEvent{
			AuthMethod: rec[1],
			Census:     rec[2],
			Status:     rec[3],
		}
		if e.ID, err = strconv.ParseInt(rec[0], 10, 64); err != nil {
			return nil, fmt.Errorf("events row id %q: %w", rec[0], err)
		}
		e.TallyStatus = rec[4]
		if rec[5] != "" {
			p, perr := strconv.ParseInt(rec[5], 10, 64)
			if perr != nil {
				return nil, fmt.Errorf("events row parent %q: %w", rec[5], perr)
			}
			e.ParentID = &p
		}
		if e.AllowPublicCensusQuery, err = strconv.ParseBool(rec[6]); err != nil {
			return nil, err
		}
		if e.NumSuccessfulLoginsAllowed, err = strconv.Atoi(rec[7]); err != nil {
			return nil, err
		}
		if err = json.Unmarshal([]byte(rec[8]), &e.Config); err != nil {
			return nil, fmt.Errorf("events row %d config: %w", e.ID, err)
		}
		if e.Created, err = time.Parse(time.RFC3339Nano, rec[9]); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func marshalUsers(users []*model.User) []byte {
	var sb strings.Builder
	w := newCSVWriter(&sb)
	for _, u := range users {
		w.Write([]string{
			strconv.FormatInt(u.ID, 10),
			u.Username,
			u.Password,
			u.Email,
			u.FirstName,
			u.LastName,
			strconv.FormatBool(u.Active),
			strconv.FormatBool(u.Staff),
			strconv.FormatBool(u.Superuser),
			u.DateJoined.UTC().Format(time.RFC3339Nano),
		})
	}
	w.Flush()
	return []byte(sb.String())
}

func unmarshalUsers(body []byte) ([]*model.User, error) {
	records, err := newCSVReader(body).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse users: %w", err)
	}
	out := make([]*model.User, 0, len(records))
	for _, rec := range records {
		if len(rec) != 10 {
			return nil, fmt.Errorf("users row has %d columns, want 10", len(rec))
		}
		u := &model.User{
			Username:  rec[1],
			Password:  rec[2],
			Email:     rec[3],
			FirstName: rec[4],
			LastName:  rec[5],
		}
		if u.ID, err = strconv.ParseInt(rec[0], 10, 64); err != nil {
			return nil, err
		}
		if u.Active, err = strconv.ParseBool(rec[6]); err != nil {
			return nil, err
		}
		if u.Staff, err = strconv.ParseBool(rec[7]); err != nil {
			return nil, err
		}
		if u.Superuser, err = strconv.ParseBool(rec[8]); err != nil {
			return nil, err
		}
		if u.DateJoined, err = time.Parse(time.RFC3339Nano, rec[9]); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func marshalUserData(data []*model.UserData) []byte {
	var sb strings.Builder
	w := newCSVWriter(&sb)
	for _, d := range data {
		meta, _ := json.Marshal(d.Metadata)
		w.Write([]string{
			strconv.FormatInt(d.ID, 10),
			strconv.FormatInt(d.UserID, 10),
			strconv.FormatInt(d.EventID, 10),
			d.Status,
			d.Tlf,
			string(meta),
		})
	}
	w.Flush()
	return []byte(sb.String())
}

func unmarshalUserData(body []byte) ([]*model.UserData, error) {
	records, err := newCSVReader(body).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse userdata: %w", err)
	}
	out := make([]*model.UserData, 0, len(records))
	for _, rec := range records {
		if len(rec) != 6 {
			return nil, fmt.Errorf("userdata row has %d columns, want 6", len(rec))
		}
		d := &model.UserData{Status: rec[3], Tlf: rec[4]}
		if d.ID, err = strconv.ParseInt(rec[0], 10, 64); err != nil {
			return nil, err
		}
		if d.UserID, err = strconv.ParseInt(rec[1], 10, 64); err != nil {
			return nil, err
		}
		if d.EventID, err = strconv.ParseInt(rec[2], 10, 64); err != nil {
			return nil, err
		}
		if rec[5] != "" {
			if err = json.Unmarshal([]byte(rec[5]), &d.Metadata); err != nil {
				return nil, fmt.Errorf("userdata row %d metadata: %w", d.ID, err)
			}
		}
		out = append(out, d)
	}
	return out, nil
}

func marshalACLs(acls []*model.ACL) []byte {
	var sb strings.Builder
	w := newCSVWriter(&sb)
	for _, a := range acls {
		w.Write([]string{
			strconv.FormatInt(a.ID, 10),
			strconv.FormatInt(a.UserDataID, 10),
			a.Perm,
			a.ObjectType,
			strconv.FormatInt(a.ObjectID, 10),
			a.Created.UTC().Format(time.RFC3339Nano),
		})
	}
	w.Flush()
	return []byte(sb.String())
}

func unmarshalACLs(body []byte) ([]*model.ACL, error) {
	records, err := newCSVReader(body).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse acls: %w", err)
	}
	out := make([]*model.ACL, 0, len(records))
	for _, rec := range records {
		if len(rec) != 6 {
			return nil, fmt.Errorf("acls row has %d columns, want 6", len(rec))
		}
		a := &model.ACL{Perm: rec[2], ObjectType: rec[3]}
		if a.ID, err = strconv.ParseInt(rec[0], 10, 64); err != nil {
			return nil, err
		}
		if a.UserDataID, err = strconv.ParseInt(rec[1], 10, 64); err != nil {
			return nil, err
		}
		if a.ObjectID, err = strconv.ParseInt(rec[4], 10, 64); err != nil {
			return nil, err
		}
		if a.Created, err = time.Parse(time.RFC3339Nano, rec[5]); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

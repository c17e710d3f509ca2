package censusio

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"voteauth.org/internal/model"
	"voteauth.org/internal/obs"
)

// Columns every flat municipal census file must carry. Anything else in the
// header is treated as an operator metadata column.
var flatRequiredColumns = []string{"DNI", "CODI_POSTAL", "DISTRICTE", "NOM", "COGNOM_1", "COGNOM_2", "PASSWORD"}

// FlatOptions configures a flat-file import.
type FlatOptions struct {
	// DistrictEvents maps each DISTRICTE value to the auth event receiving
	// its voters. A district missing from the map aborts the import.
	DistrictEvents map[string]int64
	// MetadataColumns are extra header columns copied into user metadata.
	// A named column absent from the header aborts the import.
	MetadataColumns []string
	Now             time.Time
}

// ImportFlat loads a ';'-delimited municipal census file. Rows are fully
// staged with pre-allocated ids and written in one bulk load, so a bad row
// anywhere leaves the store untouched.
func ImportFlat(ctx context.Context, store model.Store, r io.Reader, opts FlatOptions) (int, error) {
	cr := csv.NewReader(r)
	cr.Comma = csvDelimiter
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if _, dup := col[name]; dup {
			return 0, fmt.Errorf("duplicate column %q in header", name)
		}
		col[name] = i
	}
	for _, name := range flatRequiredColumns {
		if _, found := col[name]; !found {
			return 0, fmt.Errorf("header is missing column %q", name)
		}
	}
	for _, name := range opts.MetadataColumns {
		if _, found := col[name]; !found {
			return 0, fmt.Errorf("header is missing metadata column %q", name)
		}
	}

	nextUserID, err := store.Bulk().MaxUserID(ctx)
	if err != nil {
		return 0, err
	}
	nextDataID, err := store.Bulk().MaxUserDataID(ctx)
	if err != nil {
		return 0, err
	}

	var users []*model.User
	var data []*model.UserData
	var acls []*model.ACL
	line := 1

	for {
		rec, rerr := cr.Read()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, fmt.Errorf("line %d: %w", line+1, rerr)
		}
		line++
		if len(rec) != len(header) {
			return 0, fmt.Errorf("line %d has %d fields, header has %d", line, len(rec), len(header))
		}

		district := strings.TrimSpace(rec[col["DISTRICTE"]])
		eventID, mapped := opts.DistrictEvents[district]
		if !mapped {
			return 0, fmt.Errorf("line %d: district %q has no auth event", line, district)
		}

		dni := strings.TrimSpace(rec[col["DNI"]])
		postal := strings.TrimSpace(rec[col["CODI_POSTAL"]])
		if dni == "" || postal == "" {
			return 0, fmt.Errorf("line %d: empty DNI or postal code", line)
		}
		password := rec[col["PASSWORD"]]
		if password == "" {
			return 0, fmt.Errorf("line %d: empty password", line)
		}
		username := dni + "_" + postal
		fullname := strings.TrimSpace(fmt.Sprintf("%s %s %s",
			strings.TrimSpace(rec[col["NOM"]]),
			strings.TrimSpace(rec[col["COGNOM_1"]]),
			strings.TrimSpace(rec[col["COGNOM_2"]])))

		metadata := map[string]any{"fullname": fullname, "district": district}
		for _, name := range opts.MetadataColumns {
			metadata[name] = strings.TrimSpace(rec[col[name]])
		}

		nextUserID++
		nextDataID++
		users = append(users, &model.User{
			ID:         nextUserID,
			Username:   username,
			Password:   flatCredential(password),
			Active:     true,
			DateJoined: opts.Now,
		})
		data = append(data, &model.UserData{
			ID:       nextDataID,
			UserID:   nextUserID,
			EventID:  eventID,
			Status:   model.StatusActive,
			Metadata: metadata,
		})
		acls = append(acls, &model.ACL{
			UserDataID: nextDataID,
			Perm:       model.PermVote,
			ObjectType: model.TypeAuthEvent,
			ObjectID:   eventID,
			Created:    opts.Now,
		})
	}

	if len(users) == 0 {
		return 0, fmt.Errorf("file has no census rows")
	}
	if err := store.Bulk().BulkLoad(ctx, users, data, acls); err != nil {
		return 0, err
	}
	obs.Info("flat census imported", map[string]any{"rows": len(users)})
	return len(users), nil
}

// flatCredential stores the pre-shared credential from the file's PASSWORD
// column as its hex sha256.
func flatCredential(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

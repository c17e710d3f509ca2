package censusio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"voteauth.org/internal/fields"
	"voteauth.org/internal/model"
	"voteauth.org/internal/obs"
)

var bulkEmailDef = fields.Definition{Name: "email", Type: fields.TypeEmail, Required: true, Max: 254}

// BulkInsert stages active voters for one event from a list of email
// addresses and writes them in a single bulk load. Addresses already in the
// event's census are skipped; invalid addresses abort before any write.
func BulkInsert(ctx context.Context, store model.Store, eventID int64, emails []string, now time.Time) (int, error) {
	if _, err := store.Events().Find(ctx, eventID); err != nil {
		return 0, fmt.Errorf("auth event %d: %w", eventID, err)
	}

	existing := make(map[string]struct{})
	for i, email := range emails {
		if msgs := fields.ValidateValue(bulkEmailDef, email); len(msgs) > 0 {
			return 0, fmt.Errorf("email %d: %s", i+1, fields.Join(msgs))
		}
		if _, dup := existing[email]; dup {
			return 0, fmt.Errorf("email %s repeated in input", email)
		}
		existing[email] = struct{}{}
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
	for _, email := range emails {
		if _, _, ferr := store.Users().FindByEmail(ctx, eventID, email); ferr == nil {
			continue
		} else if !errors.Is(ferr, model.ErrNotFound) {
			return 0, ferr
		}
		nextUserID++
		nextDataID++
		users = append(users, &model.User{
			ID:         nextUserID,
			Username:   uuid.NewString(),
			Email:      email,
			Active:     true,
			DateJoined: now,
		})
		data = append(data, &model.UserData{
			ID:       nextDataID,
			UserID:   nextUserID,
			EventID:  eventID,
			Status:   model.StatusActive,
			Metadata: map[string]any{"email_verified": true},
		})
		acls = append(acls, &model.ACL{
			UserDataID: nextDataID,
			Perm:       model.PermVote,
			ObjectType: model.TypeAuthEvent,
			ObjectID:   eventID,
			Created:    now,
		})
	}
	if len(users) == 0 {
		return 0, nil
	}
	if err := store.Bulk().BulkLoad(ctx, users, data, acls); err != nil {
		return 0, err
	}
	obs.Info("voters bulk inserted", map[string]any{"event": eventID, "rows": len(users)})
	return len(users), nil
}

// BulkDelete removes every user, userdata and acl row belonging to the given
// events. The events themselves stay.
func BulkDelete(ctx context.Context, store model.Store, eventIDs []int64) error {
	if len(eventIDs) == 0 {
		return fmt.Errorf("no event ids given")
	}
	present, err := store.Bulk().CountEventsByIDs(ctx, eventIDs)
	if err != nil {
		return err
	}
	if present != len(eventIDs) {
		return fmt.Errorf("only %d of %d auth events exist", present, len(eventIDs))
	}
	if err := store.Bulk().DeleteEventData(ctx, eventIDs); err != nil {
		return err
	}
	obs.Info("census data deleted", map[string]any{"events": eventIDs})
	return nil
}

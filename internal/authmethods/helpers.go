package authmethods

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"

	"voteauth.org/internal/model"
	"voteauth.org/internal/pipeline"
)

const (
	codeAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	digits       = "0123456789"

	actionSuccessfulLogin = "user:successful-login"
)

// hashPassword hashes an interactive password with bcrypt.
func hashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// verifyPassword compares a plaintext password with its stored hash.
func verifyPassword(hash, password string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// randomCode returns n characters drawn uniformly from alphabet using the
// system CSPRNG.
func randomCode(n int, alphabet string) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[idx.Int64()]
	}
	return string(out), nil
}

// createUser creates a user with its userdata row linked to the event.
// plainPassword may be empty for externally-authenticated identities.
func createUser(ctx context.Context, deps *Deps, ae *model.AuthEvent, username, plainPassword, email, tlf string, metadata map[string]any, active bool) (*model.User, *model.UserData, error) {
	var hashed string
	if plainPassword != "" {
		var err error
		hashed, err = hashPassword(plainPassword)
		if err != nil {
			return nil, nil, err
		}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	u := &model.User{
		Username:   username,
		Password:   hashed,
		Email:      email,
		Active:     active,
		DateJoined: deps.now(),
	}
	d := &model.UserData{
		EventID:  ae.ID,
		Status:   model.StatusActive,
		Metadata: metadata,
		Tlf:      tlf,
	}
	if err := deps.Store.Users().Create(ctx, u, d); err != nil {
		return nil, nil, err
	}
	return u, d, nil
}

// givePerms grants the standard permission set created on registration:
// edit on the own userdata row, vote on the auth event.
func givePerms(ctx context.Context, deps *Deps, ae *model.AuthEvent, d *model.UserData) error {
	grants := []model.ACL{
		{UserDataID: d.ID, Perm: model.PermEdit, ObjectType: model.TypeUserData, ObjectID: d.ID},
		{UserDataID: d.ID, Perm: model.PermVote, ObjectType: model.TypeAuthEvent, ObjectID: ae.ID},
	}
	for i := range grants {
		grants[i].Created = deps.now()
		if err := deps.Store.ACLs().Grant(ctx, &grants[i]); err != nil {
			return fmt.Errorf("grant %s: %w", grants[i].Perm, err)
		}
	}
	return nil
}

// loginAllowed enforces the event's maximum number of successful logins per
// user by counting prior successful-login actions. Zero disables the bound.
func loginAllowed(ctx context.Context, deps *Deps, ae *model.AuthEvent, u *model.User) (bool, error) {
	if ae.NumSuccessfulLoginsAllowed <= 0 {
		return true, nil
	}
	n, err := deps.Store.Actions().CountForUser(ctx, actionSuccessfulLogin, u.ID)
	if err != nil {
		return false, err
	}
	return n < ae.NumSuccessfulLoginsAllowed, nil
}

// recordLogin appends the audit action used by loginAllowed.
func recordLogin(ctx context.Context, deps *Deps, ae *model.AuthEvent, u *model.User) error {
	eventID := ae.ID
	receiver := u.ID
	return deps.Store.Actions().Append(ctx, &model.Action{
		Receiver: &receiver,
		Name:     actionSuccessfulLogin,
		EventID:  &eventID,
		Metadata: map[string]any{"auth_method": ae.AuthMethod},
		Created:  deps.now(),
	})
}

// runPipeline executes a stage pipeline, translating policy rejections into
// a Result and passing real faults through.
func runPipeline(ctx context.Context, deps *Deps, stage string, reqctx *pipeline.Context, entries []model.PipeEntry) (Result, bool, error) {
	err := deps.Pipeline.Run(ctx, stage, reqctx, entries)
	if err == nil {
		return Result{}, true, nil
	}
	if rej, isRej := pipeline.IsRejection(err); isRej {
		return nok(rej.Cause), false, nil
	}
	return Result{}, false, err
}

package app

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"microlab/pkg/auth"
	"microlab/pkg/domain"
	"microlab/pkg/store"
)

// RegisterInput carries the sign-up form fields.
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// Session pairs an authenticated user with their bearer token.
type Session struct {
	User  domain.User
	Token string
}

// Register creates the account and opens a session for it. New accounts
// start without an assigned role; the role is picked on the profile page.
func (a *App) Register(ctx context.Context, in RegisterInput) (Session, error) {
	fields := fieldErrors{}
	name := strings.TrimSpace(in.Name)
	email := normalizeEmail(in.Email)
	if name == "" {
		fields.add("name", "name is required")
	} else if len(name) > 255 {
		fields.add("name", "name must be at most 255 characters")
	}
	validateEmail(fields, email)
	if err := auth.ValidatePassword(in.Password); err != nil {
		fields.add("password", err.Error())
	}
	if err := fields.err(); err != nil {
		return Session{}, err
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return Session{}, err
	}
	user, err := a.store.CreateUser(domain.User{
		Name:         name,
		Email:        email,
		PasswordHash: hash,
		Role:         domain.RoleUnassigned,
	})
	if errors.Is(err, store.ErrConflict) {
		return Session{}, ErrEmailTaken
	}
	if err != nil {
		return Session{}, err
	}
	return a.openSession(user)
}

// Login verifies the credentials and opens a session. The same error is
// returned for an unknown email and for a wrong password.
func (a *App) Login(ctx context.Context, email, password string) (Session, error) {
	user, ok, err := a.store.GetUserByEmail(normalizeEmail(email))
	if err != nil {
		return Session{}, err
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return Session{}, ErrInvalidCredentials
	}
	return a.openSession(user)
}

// Logout revokes the session token. Revoking an already-revoked token is
// not an error.
func (a *App) Logout(ctx context.Context, token string) error {
	return a.sessions.DeleteSession(token)
}

// UserFromToken resolves a bearer token to its account. A valid token
// whose account has been deleted resolves to nothing.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.User, bool, error) {
	userID, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.User{}, false, err
	}
	return a.store.GetUserByID(userID)
}

// ProfileUpdate carries the editable account fields. Role is the target
// professional role; the license fields are required whenever a role is
// chosen.
type ProfileUpdate struct {
	Name          string
	Email         string
	Role          domain.Role
	LicenseNumber string
	LicenseState  string
}

// UpdateProfile applies the changes atomically. Switching roles replaces
// the professional license, and leaving the physician role releases the
// user's sample attributions.
func (a *App) UpdateProfile(ctx context.Context, in ProfileUpdate) (domain.User, error) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return domain.User{}, ErrUnauthenticated
	}

	fields := fieldErrors{}
	name := strings.TrimSpace(in.Name)
	email := normalizeEmail(in.Email)
	if name == "" {
		fields.add("name", "name is required")
	} else if len(name) > 255 {
		fields.add("name", "name must be at most 255 characters")
	}
	validateEmail(fields, email)

	license := domain.License{
		Number: strings.TrimSpace(in.LicenseNumber),
		State:  strings.ToUpper(strings.TrimSpace(in.LicenseState)),
	}
	if in.Role != domain.RoleUnassigned {
		if !in.Role.Valid() {
			fields.add("role", "role must be medico, biomedico or enfermeiro")
		}
		if license.Number == "" {
			fields.add("license_number", "license number is required for the chosen role")
		}
		if len(license.State) != 2 {
			fields.add("license_state", "license state must be a two-letter code")
		}
	}
	if err := fields.err(); err != nil {
		return domain.User{}, err
	}

	err := a.store.UpdateUserProfile(user.ID, name, email, in.Role, license)
	if errors.Is(err, store.ErrConflict) {
		return domain.User{}, ErrEmailTaken
	}
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	updated, ok, err := a.store.GetUserByID(user.ID)
	if err != nil {
		return domain.User{}, err
	}
	if !ok {
		return domain.User{}, ErrNotFound
	}
	return updated, nil
}

// DeleteAccount removes the account after re-checking the password, then
// revokes the current session token.
func (a *App) DeleteAccount(ctx context.Context, password, token string) error {
	user, ok := UserFromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	if err := a.store.DeleteUser(user.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	return a.sessions.DeleteSession(token)
}

func (a *App) openSession(user domain.User) (Session, error) {
	token, err := a.sessions.NewSession(user.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{User: user, Token: token}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateEmail(fields fieldErrors, email string) {
	if email == "" {
		fields.add("email", "email is required")
		return
	}
	if len(email) > 255 {
		fields.add("email", "email must be at most 255 characters")
		return
	}
	if _, err := mail.ParseAddress(email); err != nil {
		fields.add("email", "email is not a valid address")
	}
}

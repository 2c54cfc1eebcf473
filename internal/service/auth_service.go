package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"biblioteca-auth/internal/config"
	"biblioteca-auth/internal/model"
	"biblioteca-auth/internal/token"
	"biblioteca-auth/internal/util"
)

// CustomerStore answers entitlement questions.
type CustomerStore interface {
	HasActiveAccess(ctx context.Context, email string) (bool, error)
}

// SessionStore persists session rows in the external record store.
type SessionStore interface {
	FindByEmail(ctx context.Context, email string) ([]model.Session, error)
	FindByEmailAndToken(ctx context.Context, email, tok string) (*model.Session, error)
	Upsert(ctx context.Context, desired model.Session) (*model.Session, error)
	Clear(ctx context.Context, recordID string, at time.Time) error
	DeleteAllByEmail(ctx context.Context, email string) error
}

// AuthService owns login, logout and validation. Each call is a short,
// stateless request/response cycle; there is no shared in-process session
// state and, because the external store offers no compare-and-swap, two
// concurrent logins for the same email can race. That race is an accepted
// limitation and is only ever a transient double-active state.
type AuthService struct {
	customers CustomerStore
	sessions  SessionStore
	codec     *token.Codec
	logger    *zap.Logger

	activeWindow time.Duration
	adoptLegacy  bool
	redirect     string
}

func NewAuthService(customers CustomerStore, sessions SessionStore, codec *token.Codec, cfg config.SessionConfig, logger *zap.Logger) *AuthService {
	return &AuthService{
		customers:    customers,
		sessions:     sessions,
		codec:        codec,
		logger:       logger,
		activeWindow: cfg.ActiveWindow,
		adoptLegacy:  cfg.AdoptLegacy,
		redirect:     cfg.Redirect,
	}
}

// LoginResult is what a successful login hands back to the client.
type LoginResult struct {
	Token    string
	Redirect string
	DeviceID string
}

// Decision is the outcome of the single-session policy for one login attempt.
type Decision struct {
	Allow        bool
	ConflictCode string
	Existing     *model.Session
}

// Decide applies the single-active-session rule to the rows currently stored
// for an email:
//
//  1. no active row            -> allow
//  2. active row, same device  -> allow (re-login, refresh in place)
//  3. active row, other device -> deny SESSION_ACTIVE_ELSEWHERE
//  4. active row, no device    -> deny SESSION_ACTIVE_UNKNOWN_DEVICE,
//     unless adoptLegacy lets the new login take the row over
//
// An inactive row is still reported as Existing so the caller refreshes it
// instead of creating a duplicate.
func Decide(existing []model.Session, deviceID string, window time.Duration, adoptLegacy bool) Decision {
	var inactive *model.Session
	for i := range existing {
		row := &existing[i]
		if !row.Active(window) {
			if inactive == nil {
				inactive = row
			}
			continue
		}
		switch {
		case row.DeviceID == deviceID:
			return Decision{Allow: true, Existing: row}
		case row.DeviceID == "":
			if adoptLegacy {
				return Decision{Allow: true, Existing: row}
			}
			return Decision{ConflictCode: ConflictUnknownDevice, Existing: row}
		default:
			return Decision{ConflictCode: ConflictActiveElsewhere, Existing: row}
		}
	}
	return Decision{Allow: true, Existing: inactive}
}

// Login runs the full flow: entitlement check, policy decision, session
// upsert, token issuance. An empty deviceID gets a server-generated one,
// which is returned so the client can persist it.
func (s *AuthService) Login(ctx context.Context, email, deviceID string) (*LoginResult, error) {
	email = model.NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		deviceID = "srv_" + uuid.NewString()
	}

	ok, err := s.customers.HasActiveAccess(ctx, email)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAccessDenied
	}

	rows, err := s.sessions.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	decision := Decide(rows, deviceID, s.activeWindow, s.adoptLegacy)
	if !decision.Allow {
		s.logger.Info("login denied by session policy",
			util.String("email", email),
			util.String("code", decision.ConflictCode),
		)
		return nil, &SessionConflictError{Code: decision.ConflictCode}
	}

	tok, err := s.codec.Issue(email)
	if err != nil {
		return nil, err
	}

	desired := model.Session{
		Email:      email,
		Token:      tok,
		DeviceID:   deviceID,
		LoggedInAt: time.Now().UTC(),
	}
	if decision.Existing != nil {
		desired.RecordID = decision.Existing.RecordID
	}
	if _, err := s.sessions.Upsert(ctx, desired); err != nil {
		return nil, err
	}

	s.logger.Info("login allowed",
		util.String("email", email),
		util.Bool("refresh", decision.Existing != nil),
	)
	return &LoginResult{Token: tok, Redirect: s.redirect, DeviceID: deviceID}, nil
}

// Logout frees the session slot for email. A non-empty deviceID or tok
// narrows the logout to rows matching them; otherwise every row for the email
// goes. Rows are first cleared (token and device wiped, logout stamped),
// which alone satisfies the invariant; on a full logout the rows are then
// deleted as best-effort cleanup. Calling it with no session stored is a
// no-op, not an error.
func (s *AuthService) Logout(ctx context.Context, email, deviceID, tok string) error {
	email = model.NormalizeEmail(email)
	if email == "" {
		return ErrInvalidEmail
	}
	deviceID = strings.TrimSpace(deviceID)
	tok = strings.TrimSpace(tok)

	rows, err := s.sessions.FindByEmail(ctx, email)
	if err != nil {
		return err
	}

	scoped := deviceID != "" || tok != ""
	cleared := 0
	now := time.Now().UTC()
	for _, row := range rows {
		if deviceID != "" && row.DeviceID != deviceID {
			continue
		}
		if tok != "" && row.Token != tok {
			continue
		}
		if err := s.sessions.Clear(ctx, row.RecordID, now); err != nil {
			return err
		}
		cleared++
	}
	if cleared == 0 {
		return nil
	}

	if !scoped {
		if err := s.sessions.DeleteAllByEmail(ctx, email); err != nil {
			s.logger.Warn("session row cleanup failed after clear",
				util.String("email", email),
				util.ErrorField(err),
			)
		}
	}

	s.logger.Info("logout completed",
		util.String("email", email),
		util.Bool("scoped", scoped),
		util.Int("rows", cleared),
	)
	return nil
}

// Check verifies a bearer token and confirms a session row still holds it.
// Returns the email the token was issued for.
func (s *AuthService) Check(ctx context.Context, tok string) (string, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", ErrMissingToken
	}

	email, err := s.codec.Verify(tok)
	if err != nil {
		return "", err
	}

	row, err := s.sessions.FindByEmailAndToken(ctx, email, tok)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", ErrSessionNotFound
	}
	return email, nil
}

// Validate is the strict variant: email, token and device id must all match
// the stored row exactly.
func (s *AuthService) Validate(ctx context.Context, email, tok, deviceID string) error {
	email = model.NormalizeEmail(email)
	tok = strings.TrimSpace(tok)
	deviceID = strings.TrimSpace(deviceID)
	if email == "" || tok == "" || deviceID == "" {
		return ErrMissingFields
	}

	rows, err := s.sessions.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrSessionNotFound
	}

	row := rows[0]
	if row.Token == "" || row.Token != tok || row.DeviceID == "" || row.DeviceID != deviceID {
		return ErrSessionMismatch
	}
	return nil
}

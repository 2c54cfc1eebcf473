package airtable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"biblioteca-auth/internal/client"
	"biblioteca-auth/internal/config"
	"biblioteca-auth/internal/model"
	"biblioteca-auth/internal/util"
)

// Column names in the sessions table. Only the email column varies across
// deployments; the rest are fixed.
const (
	fieldToken     = "Token"
	fieldDeviceID  = "DeviceId"
	fieldLoggedIn  = "ts_login"
	fieldLoggedOut = "ts_logout"
)

// emailFieldCandidates is the ordered probe list for the email column name.
var emailFieldCandidates = []string{"email_lc", "Email_lc", "email", "Email", "correo", "Correo"}

// ErrEmailFieldUnresolved means none of the candidate email column names was
// accepted by the sessions table and no override is configured.
var ErrEmailFieldUnresolved = errors.New("could not resolve the email column of the sessions table")

// SessionRepository adapts the sessions table to the session model. The email
// column name is resolved once per process (or forced via config) and cached.
type SessionRepository struct {
	client *client.AirtableClient
	table  string
	logger *zap.Logger

	override string

	mu         sync.RWMutex
	emailField string
	probe      singleflight.Group
}

func NewSessionRepository(c *client.AirtableClient, cfg *config.Config, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{
		client:   c,
		table:    cfg.Airtable.SessionsTable,
		logger:   logger,
		override: cfg.Airtable.SessionsEmailField,
	}
}

// EmailField returns the resolved email column name, probing the candidate
// list on first use. Concurrent first calls share a single probe.
func (r *SessionRepository) EmailField(ctx context.Context) (string, error) {
	r.mu.RLock()
	cached := r.emailField
	r.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}
	if r.override != "" {
		r.mu.Lock()
		r.emailField = r.override
		r.mu.Unlock()
		return r.override, nil
	}

	v, err, _ := r.probe.Do("email-field", func() (any, error) {
		var lastErr error
		for _, candidate := range emailFieldCandidates {
			_, err := r.client.List(ctx, r.table, client.ListOptions{
				FilterByFormula: fmt.Sprintf(`{%s}=""`, candidate),
				MaxRecords:      1,
			})
			if err == nil {
				r.mu.Lock()
				r.emailField = candidate
				r.mu.Unlock()
				r.logger.Info("resolved sessions email column",
					util.String("field", candidate),
				)
				return candidate, nil
			}
			lastErr = err
		}
		if lastErr != nil {
			return "", fmt.Errorf("%w: %v", ErrEmailFieldUnresolved, lastErr)
		}
		return "", ErrEmailFieldUnresolved
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// FindByEmail returns every session row keyed by email, paging through the
// result set.
func (r *SessionRepository) FindByEmail(ctx context.Context, email string) ([]model.Session, error) {
	email = model.NormalizeEmail(email)
	ef, err := r.EmailField(ctx)
	if err != nil {
		return nil, err
	}

	records, err := r.client.ListAll(ctx, r.table, fmt.Sprintf(`{%s}="%s"`, ef, client.Escape(email)))
	if err != nil {
		return nil, fmt.Errorf("session lookup for %s: %w", email, err)
	}

	sessions := make([]model.Session, 0, len(records))
	for _, rec := range records {
		sessions = append(sessions, r.toSession(rec, ef))
	}
	return sessions, nil
}

// FindByEmailAndToken returns the session row matching both email and the
// exact token string, or nil when none exists.
func (r *SessionRepository) FindByEmailAndToken(ctx context.Context, email, tok string) (*model.Session, error) {
	email = model.NormalizeEmail(email)
	ef, err := r.EmailField(ctx)
	if err != nil {
		return nil, err
	}

	formula := fmt.Sprintf(`AND(LOWER({%s})="%s",{%s}="%s")`,
		ef, client.Escape(email), fieldToken, client.Escape(tok))
	page, err := r.client.List(ctx, r.table, client.ListOptions{
		FilterByFormula: formula,
		MaxRecords:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("session token lookup for %s: %w", email, err)
	}
	if len(page.Records) == 0 {
		return nil, nil
	}
	s := r.toSession(page.Records[0], ef)
	return &s, nil
}

// Upsert reconciles the single row for desired.Email to the desired state:
// update in place when a row exists, create otherwise. When the store rejects
// the full field set (unknown column), it falls back to the guaranteed
// columns and then patches token and device id individually, best effort.
func (r *SessionRepository) Upsert(ctx context.Context, desired model.Session) (*model.Session, error) {
	email := model.NormalizeEmail(desired.Email)
	ef, err := r.EmailField(ctx)
	if err != nil {
		return nil, err
	}

	full := map[string]any{
		ef:            email,
		fieldLoggedIn: desired.LoggedInAt.UTC().Format(time.RFC3339),
		fieldToken:    desired.Token,
		fieldDeviceID: desired.DeviceID,
	}
	minimal := map[string]any{
		ef:            email,
		fieldLoggedIn: desired.LoggedInAt.UTC().Format(time.RFC3339),
	}
	optional := []map[string]any{
		{fieldToken: desired.Token},
		{fieldDeviceID: desired.DeviceID},
		{fieldLoggedOut: nil},
	}

	page, err := r.client.List(ctx, r.table, client.ListOptions{
		FilterByFormula: fmt.Sprintf(`{%s}="%s"`, ef, client.Escape(email)),
		MaxRecords:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("session upsert find for %s: %w", email, err)
	}

	if len(page.Records) > 0 {
		id := page.Records[0].ID
		// Clearing the logout stamp belongs in the full set only on
		// update; a fresh row never has one.
		fullUpdate := make(map[string]any, len(full)+1)
		for k, v := range full {
			fullUpdate[k] = v
		}
		fullUpdate[fieldLoggedOut] = nil

		rec, err := r.client.Update(ctx, r.table, id, fullUpdate)
		if client.IsUnprocessable(err) {
			rec, err = r.updateReduced(ctx, id, minimal, optional)
		}
		if err != nil {
			return nil, fmt.Errorf("session upsert update for %s: %w", email, err)
		}
		s := r.toSession(*rec, ef)
		return &s, nil
	}

	rec, err := r.client.Create(ctx, r.table, full)
	if client.IsUnprocessable(err) {
		rec, err = r.client.Create(ctx, r.table, minimal)
		if err == nil {
			rec, err = r.updateReduced(ctx, rec.ID, nil, optional)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("session upsert create for %s: %w", email, err)
	}
	s := r.toSession(*rec, ef)
	return &s, nil
}

// updateReduced writes the minimal field set (if any) as a hard requirement,
// then each optional subset individually, tolerating per-field rejections.
func (r *SessionRepository) updateReduced(ctx context.Context, id string, minimal map[string]any, optional []map[string]any) (*client.Record, error) {
	var rec *client.Record
	var err error
	if minimal != nil {
		rec, err = r.client.Update(ctx, r.table, id, minimal)
		if err != nil {
			return nil, err
		}
	}
	for _, fields := range optional {
		updated, err := r.client.Update(ctx, r.table, id, fields)
		if err != nil {
			r.logger.Warn("optional session field rejected by store",
				util.String("record_id", id),
				util.ErrorField(err),
			)
			continue
		}
		rec = updated
	}
	if rec == nil {
		rec, err = r.client.Get(ctx, r.table, id)
		if err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// Clear transitions a row to logged-out: token and device wiped, logout
// timestamp stamped. On a schema rejection it retries with only the token
// column, which alone satisfies the one-active-session invariant.
func (r *SessionRepository) Clear(ctx context.Context, recordID string, at time.Time) error {
	fields := map[string]any{
		fieldToken:     "",
		fieldDeviceID:  "",
		fieldLoggedOut: at.UTC().Format(time.RFC3339),
	}
	_, err := r.client.Update(ctx, r.table, recordID, fields)
	if client.IsUnprocessable(err) {
		_, err = r.client.Update(ctx, r.table, recordID, map[string]any{fieldToken: ""})
	}
	if err != nil {
		return fmt.Errorf("session clear %s: %w", recordID, err)
	}
	return nil
}

// DeleteAllByEmail removes every row for email, batching deletes to the
// store's per-request ceiling.
func (r *SessionRepository) DeleteAllByEmail(ctx context.Context, email string) error {
	email = model.NormalizeEmail(email)
	ef, err := r.EmailField(ctx)
	if err != nil {
		return err
	}
	records, err := r.client.ListAll(ctx, r.table, fmt.Sprintf(`{%s}="%s"`, ef, client.Escape(email)))
	if err != nil {
		return fmt.Errorf("session delete find for %s: %w", email, err)
	}
	if len(records) == 0 {
		return nil
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ID)
	}
	if err := r.client.DeleteBatch(ctx, r.table, ids); err != nil {
		return fmt.Errorf("session delete for %s: %w", email, err)
	}
	return nil
}

func (r *SessionRepository) toSession(rec client.Record, emailField string) model.Session {
	s := model.Session{
		RecordID: rec.ID,
		Email:    model.NormalizeEmail(fieldString(rec.Fields, emailField)),
		Token:    fieldString(rec.Fields, fieldToken),
		DeviceID: fieldString(rec.Fields, fieldDeviceID),
	}
	if t, ok := fieldTime(rec.Fields, fieldLoggedIn); ok {
		s.LoggedInAt = t
	}
	if t, ok := fieldTime(rec.Fields, fieldLoggedOut); ok {
		s.LoggedOutAt = &t
	}
	return s
}

func fieldString(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func fieldTime(fields map[string]any, key string) (time.Time, bool) {
	raw := fieldString(fields, key)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

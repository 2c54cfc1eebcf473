package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"biblioteca-auth/internal/client"
	"biblioteca-auth/internal/config"
	"biblioteca-auth/internal/handler"
	"biblioteca-auth/internal/repository/airtable"
	"biblioteca-auth/internal/service"
	"biblioteca-auth/internal/token"
)

// fakeAirtable is an in-memory stand-in for the record store, understanding
// exactly the filter formulas the repositories emit.
type fakeAirtable struct {
	mu       sync.Mutex
	sessions map[string]map[string]any
	nextID   int

	members map[string]bool

	exercises []map[string]any
}

func newFakeAirtable() *fakeAirtable {
	return &fakeAirtable{
		sessions: map[string]map[string]any{},
		members:  map[string]bool{"member@example.com": true},
		exercises: []map[string]any{
			{"id": "recEX1", "fields": map[string]any{"Ejercicio": "Press banca", "Categoría": "Fuerza"}},
			{"id": "recEX2", "fields": map[string]any{"Ejercicio": "Sentadilla", "Categoría": "Fuerza"}},
		},
	}
}

var (
	probeRe      = regexp.MustCompile(`^\{([^}]+)\}=""$`)
	byEmailRe    = regexp.MustCompile(`^\{email_lc\}="([^"]*)"$`)
	byTokenRe    = regexp.MustCompile(`^AND\(LOWER\(\{email_lc\}\)="([^"]*)",\{Token\}="([^"]*)"\)$`)
	memberRe     = regexp.MustCompile(`LOWER\(\{Email\}\)="([^"]*)"`)
	recordsReply = func(w http.ResponseWriter, records []map[string]any) {
		if records == nil {
			records = []map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"records": records})
	}
)

func (f *fakeAirtable) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) < 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		table := parts[1]
		var recID string
		if len(parts) > 2 {
			recID = parts[2]
		}

		f.mu.Lock()
		defer f.mu.Unlock()

		switch table {
		case "CLIENTES":
			f.serveCustomers(w, r)
		case "SESSIONS":
			f.serveSessions(w, r, recID)
		case "EJERCICIOS":
			f.serveExercises(w, r, recID)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"TABLE_NOT_FOUND"}`)
		}
	})
}

func (f *fakeAirtable) serveCustomers(w http.ResponseWriter, r *http.Request) {
	formula := r.URL.Query().Get("filterByFormula")
	if m := memberRe.FindStringSubmatch(formula); m != nil && f.members[m[1]] {
		recordsReply(w, []map[string]any{
			{"id": "recCUST", "fields": map[string]any{"Email": m[1], "Acceso a Biblioteca": "sí"}},
		})
		return
	}
	recordsReply(w, nil)
}

func (f *fakeAirtable) serveSessions(w http.ResponseWriter, r *http.Request, recID string) {
	switch r.Method {
	case http.MethodGet:
		formula := r.URL.Query().Get("filterByFormula")
		switch {
		case formula == "":
			recordsReply(w, f.sessionRecords(func(map[string]any) bool { return true }))
		case probeRe.MatchString(formula):
			// Only email_lc exists as a column in this table.
			if probeRe.FindStringSubmatch(formula)[1] == "email_lc" {
				recordsReply(w, nil)
				return
			}
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprint(w, `{"error":{"type":"INVALID_FILTER_BY_FORMULA"}}`)
		case byEmailRe.MatchString(formula):
			email := byEmailRe.FindStringSubmatch(formula)[1]
			recordsReply(w, f.sessionRecords(func(fields map[string]any) bool {
				return fields["email_lc"] == email
			}))
		case byTokenRe.MatchString(formula):
			m := byTokenRe.FindStringSubmatch(formula)
			recordsReply(w, f.sessionRecords(func(fields map[string]any) bool {
				return fields["email_lc"] == m[1] && fields["Token"] == m[2]
			}))
		default:
			w.WriteHeader(http.StatusUnprocessableEntity)
			fmt.Fprintf(w, `{"error":{"type":"INVALID_FILTER_BY_FORMULA","formula":%q}}`, formula)
		}

	case http.MethodPost:
		var body struct {
			Records []struct {
				Fields map[string]any `json:"fields"`
			} `json:"records"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.nextID++
		id := fmt.Sprintf("recS%03d", f.nextID)
		f.sessions[id] = body.Records[0].Fields
		recordsReply(w, []map[string]any{{"id": id, "fields": f.sessions[id]}})

	case http.MethodPatch:
		fields, ok := f.sessions[recID]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"NOT_FOUND"}`)
			return
		}
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		for k, v := range body.Fields {
			if v == nil {
				delete(fields, k)
				continue
			}
			fields[k] = v
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": recID, "fields": fields})

	case http.MethodDelete:
		for _, id := range r.URL.Query()["records[]"] {
			delete(f.sessions, id)
		}
		fmt.Fprint(w, `{}`)
	}
}

func (f *fakeAirtable) serveExercises(w http.ResponseWriter, r *http.Request, recID string) {
	if recID != "" {
		for _, rec := range f.exercises {
			if rec["id"] == recID {
				_ = json.NewEncoder(w).Encode(rec)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"NOT_FOUND"}`)
		return
	}
	recordsReply(w, f.exercises)
}

func (f *fakeAirtable) sessionRecords(match func(map[string]any) bool) []map[string]any {
	var out []map[string]any
	for id, fields := range f.sessions {
		if match(fields) {
			out = append(out, map[string]any{"id": id, "fields": fields})
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := &config.Config{Environment: "development"}
	cfg.Server.AllowedOrigins = []string{"https://*"}
	cfg.Airtable.APIKey = "key-test"
	cfg.Airtable.BaseID = "appTESTBASE"
	cfg.Airtable.CustomersTable = "CLIENTES"
	cfg.Airtable.SessionsTable = "SESSIONS"
	cfg.Airtable.ExercisesTable = "EJERCICIOS"
	cfg.Airtable.AccessField = "Acceso a Biblioteca"
	cfg.Airtable.Timeout = 5 * time.Second
	cfg.Session.Secret = "handler-test-secret"
	cfg.Session.TTLDays = 30
	cfg.Session.Redirect = "/interfaz/"
	return cfg
}

// newStack wires the real client, repositories, services and router against
// the fake store.
func newStack(t *testing.T, cfg *config.Config, fake *fakeAirtable) http.Handler {
	t.Helper()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	logger := zap.NewNop()
	c := client.NewAirtableClient(cfg, logger)
	c.SetBaseURL(srv.URL)

	codec, err := token.NewCodec(cfg.Session.Secret, cfg.Session.TTLDays)
	require.NoError(t, err)

	customers := airtable.NewCustomerRepository(c, cfg, logger)
	sessions := airtable.NewSessionRepository(c, cfg, logger)
	authSvc := service.NewAuthService(customers, sessions, codec, cfg.Session, logger)
	authHandler := handler.NewAuthHandler(authSvc, logger)

	exSvc := service.NewExerciseService(airtable.NewExerciseRepository(c, cfg, logger), logger)
	exHandler := handler.NewExerciseHandler(exSvc, logger)

	var diag *handler.DiagnosticsHandler
	if cfg.EnableDiagnostics {
		diag = handler.NewDiagnosticsHandler(c, cfg, logger)
	}

	return handler.NewRouter(cfg, authHandler, exHandler, diag, logger)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	}
	return rec, out
}

func TestLoginLogoutScenario(t *testing.T) {
	router := newStack(t, testConfig(), newFakeAirtable())

	// First device logs in.
	rec, body := doJSON(t, router, http.MethodPost, "/auth/login",
		map[string]string{"email": "Member@Example.com", "deviceId": "dev-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "/interfaz/", body["redirect"])
	assert.Equal(t, "dev-1", body["deviceId"])
	tok1, _ := body["token"].(string)
	require.NotEmpty(t, tok1)

	// A second device is turned away while the first session is active.
	rec, body = doJSON(t, router, http.MethodPost, "/auth/login",
		map[string]string{"email": "member@example.com", "deviceId": "dev-2"}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SESSION_ACTIVE_ELSEWHERE", body["code"])
	assert.Equal(t, "Sesión ya iniciada. Cierra sesión para continuar.", body["error"])

	// The first session checks out and validates strictly.
	rec, body = doJSON(t, router, http.MethodPost, "/auth/check", nil,
		map[string]string{"Authorization": "Bearer " + tok1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "member@example.com", body["email"])

	rec, _ = doJSON(t, router, http.MethodPost, "/auth/validate",
		map[string]string{"email": "member@example.com", "token": tok1, "deviceId": "dev-1"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, router, http.MethodPost, "/auth/validate",
		map[string]string{"email": "member@example.com", "token": tok1, "deviceId": "dev-2"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Logout frees the slot.
	rec, body = doJSON(t, router, http.MethodPost, "/auth/logout",
		map[string]string{"email": "member@example.com"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])

	// Now the second device gets in, and the old token is dead.
	rec, body = doJSON(t, router, http.MethodPost, "/auth/login",
		map[string]string{"email": "member@example.com", "deviceId": "dev-2"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])

	rec, _ = doJSON(t, router, http.MethodPost, "/auth/check", nil,
		map[string]string{"Authorization": "Bearer " + tok1})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRejections(t *testing.T) {
	router := newStack(t, testConfig(), newFakeAirtable())

	rec, body := doJSON(t, router, http.MethodPost, "/auth/login",
		map[string]string{"email": "not-an-email", "deviceId": "dev-1"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Email inválido", body["error"])

	rec, body = doJSON(t, router, http.MethodPost, "/auth/login",
		map[string]string{"email": "stranger@example.com", "deviceId": "dev-1"}, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "No tienes acceso activo.", body["error"])
}

func TestLogoutWithoutSessionIsOK(t *testing.T) {
	router := newStack(t, testConfig(), newFakeAirtable())

	rec, body := doJSON(t, router, http.MethodPost, "/auth/logout",
		map[string]string{"email": "member@example.com"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["ok"])
}

func TestCheckTokenSources(t *testing.T) {
	router := newStack(t, testConfig(), newFakeAirtable())

	_, body := doJSON(t, router, http.MethodPost, "/auth/login",
		map[string]string{"email": "member@example.com", "deviceId": "dev-1"}, nil)
	tok, _ := body["token"].(string)
	require.NotEmpty(t, tok)

	// Header.
	rec, _ := doJSON(t, router, http.MethodPost, "/auth/check", nil,
		map[string]string{"Authorization": "Bearer " + tok})
	assert.Equal(t, http.StatusOK, rec.Code)

	// JSON body.
	rec, _ = doJSON(t, router, http.MethodPost, "/auth/check",
		map[string]string{"token": tok}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Query string on GET.
	rec, _ = doJSON(t, router, http.MethodGet, "/auth/check?token="+tok, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Garbage token.
	rec, respBody := doJSON(t, router, http.MethodPost, "/auth/check", nil,
		map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid token", respBody["error"])

	// No token anywhere.
	rec, _ = doJSON(t, router, http.MethodPost, "/auth/check", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestExercisesRequireSession(t *testing.T) {
	router := newStack(t, testConfig(), newFakeAirtable())

	rec, _ := doJSON(t, router, http.MethodGet, "/exercises/", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	_, body := doJSON(t, router, http.MethodPost, "/auth/login",
		map[string]string{"email": "member@example.com", "deviceId": "dev-1"}, nil)
	tok, _ := body["token"].(string)
	require.NotEmpty(t, tok)

	rec, body = doJSON(t, router, http.MethodGet, "/exercises/", nil,
		map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rows, _ := body["rows"].([]any)
	assert.Len(t, rows, 2)

	rec, body = doJSON(t, router, http.MethodGet, "/exercises/recEX2", nil,
		map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, rec.Code)
	detail, _ := body["detail"].(map[string]any)
	require.NotNil(t, detail)
	assert.Equal(t, "Sentadilla", detail["name"])
}

func TestDiagnosticsGating(t *testing.T) {
	t.Run("mounted outside production when enabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.EnableDiagnostics = true
		router := newStack(t, cfg, newFakeAirtable())

		rec, body := doJSON(t, router, http.MethodGet, "/diagnostics/customers", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, body["ok"])
	})

	t.Run("never mounted in production", func(t *testing.T) {
		cfg := testConfig()
		cfg.Environment = "production"
		cfg.EnableDiagnostics = true
		router := newStack(t, cfg, newFakeAirtable())

		rec, _ := doJSON(t, router, http.MethodGet, "/diagnostics/customers", nil, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestUnknownRouteReturnsJSON(t *testing.T) {
	router := newStack(t, testConfig(), newFakeAirtable())

	rec, body := doJSON(t, router, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, false, body["ok"])

	rec, _ = doJSON(t, router, http.MethodDelete, "/auth/login", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

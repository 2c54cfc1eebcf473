package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"biblioteca-auth/internal/client"
	"biblioteca-auth/internal/config"
	"biblioteca-auth/internal/model"
)

// DiagnosticsHandler exposes operator-only probes that echo configuration
// presence and raw upstream behavior. The router only mounts it outside
// production, and only when explicitly enabled.
type DiagnosticsHandler struct {
	client *client.AirtableClient
	cfg    *config.Config
	logger *zap.Logger
}

func NewDiagnosticsHandler(c *client.AirtableClient, cfg *config.Config, logger *zap.Logger) *DiagnosticsHandler {
	return &DiagnosticsHandler{client: c, cfg: cfg, logger: logger}
}

// RegisterRoutes registers the diagnostics routes.
func (h *DiagnosticsHandler) RegisterRoutes(router chi.Router) {
	router.Route("/diagnostics", func(r chi.Router) {
		r.Get("/customers", h.Customers)
		r.Get("/sessions", h.Sessions)
	})
}

// Customers handles GET /diagnostics/customers: reports which settings are
// present and attempts a one-record read of the customers table.
func (h *DiagnosticsHandler) Customers(w http.ResponseWriter, r *http.Request) {
	at := h.cfg.Airtable
	if at.APIKey == "" || at.BaseID == "" || at.CustomersTable == "" {
		respondWithJSON(w, http.StatusOK, map[string]any{
			"ok":     false,
			"reason": "MISSING_ENV",
			"missing": map[string]bool{
				"api_key":         at.APIKey != "",
				"base":            at.BaseID != "",
				"customers_table": at.CustomersTable != "",
			},
		})
		return
	}

	page, err := h.client.List(r.Context(), at.CustomersTable, client.ListOptions{MaxRecords: 1})
	if err != nil {
		respondWithJSON(w, http.StatusOK, upstreamDetail(err, map[string]any{
			"using": map[string]string{"base": at.BaseID, "table": at.CustomersTable},
		}))
		return
	}

	var sample map[string]any
	if len(page.Records) > 0 {
		rec := page.Records[0]
		keys := make([]string, 0, 6)
		for k := range rec.Fields {
			if len(keys) == 6 {
				break
			}
			keys = append(keys, k)
		}
		sample = map[string]any{"id": rec.ID, "fields": keys}
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"using":  map[string]string{"base": at.BaseID, "table": at.CustomersTable},
		"sample": sample,
	})
}

// Sessions handles GET /diagnostics/sessions?action=find|insert|patch&email=.
// Each action performs exactly one raw read or write so the exact upstream
// error is visible.
func (h *DiagnosticsHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	table := h.cfg.Airtable.SessionsTable
	action := r.URL.Query().Get("action")
	if action == "" {
		action = "find"
	}
	email := model.NormalizeEmail(r.URL.Query().Get("email"))
	if email == "" {
		email = "diag@example.com"
	}
	nowISO := time.Now().UTC().Format(time.RFC3339)

	switch action {
	case "find":
		page, err := h.client.List(r.Context(), table, client.ListOptions{MaxRecords: 1})
		if err != nil {
			respondWithJSON(w, http.StatusOK, upstreamDetail(err, map[string]any{"step": "find"}))
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]any{"ok": true, "step": "find", "records": len(page.Records)})

	case "insert":
		rec, err := h.client.Create(r.Context(), table, map[string]any{
			"Email_lc": email,
			"ts_login": nowISO,
		})
		if err != nil {
			respondWithJSON(w, http.StatusOK, upstreamDetail(err, map[string]any{"step": "insert"}))
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]any{"ok": true, "step": "insert", "id": rec.ID})

	case "patch":
		page, err := h.client.List(r.Context(), table, client.ListOptions{
			FilterByFormula: fmt.Sprintf(`{Email_lc}="%s"`, client.Escape(email)),
			MaxRecords:      1,
		})
		if err != nil {
			respondWithJSON(w, http.StatusOK, upstreamDetail(err, map[string]any{"step": "patch-find"}))
			return
		}
		if len(page.Records) == 0 {
			respondWithJSON(w, http.StatusNotFound, map[string]any{"ok": false, "step": "patch-find"})
			return
		}
		rec, err := h.client.Update(r.Context(), table, page.Records[0].ID, map[string]any{"ts_login": nowISO})
		if err != nil {
			respondWithJSON(w, http.StatusOK, upstreamDetail(err, map[string]any{"step": "patch"}))
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]any{"ok": true, "step": "patch", "id": rec.ID})

	default:
		respondWithJSON(w, http.StatusBadRequest, map[string]any{
			"ok":    false,
			"error": "invalid action, use ?action=find|insert|patch&email=...",
		})
	}
}

// upstreamDetail attaches the raw upstream status and body for operator
// troubleshooting. This never runs in production.
func upstreamDetail(err error, base map[string]any) map[string]any {
	base["ok"] = false
	var ue *client.UpstreamError
	if errors.As(err, &ue) {
		base["http"] = ue.Status
		base["body"] = ue.Body
	} else {
		base["error"] = err.Error()
	}
	return base
}

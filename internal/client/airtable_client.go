package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"biblioteca-auth/internal/config"
	"biblioteca-auth/internal/util"
)

const (
	// MaxBatchSize is the store's per-request ceiling for record writes
	// and deletes.
	MaxBatchSize = 10

	// maxListPages bounds cursor paging so a malformed continuation offset
	// cannot loop forever.
	maxListPages = 50

	// maxErrorBody caps how much of an upstream error body is kept.
	maxErrorBody = 1200
)

// UpstreamError is any non-success response from the external record store.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("airtable: HTTP %d: %s", e.Status, e.Body)
}

// IsUnprocessable reports whether err is the store rejecting a field set it
// does not know (schema validation, HTTP 422).
func IsUnprocessable(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Status == http.StatusUnprocessableEntity
}

// Record is a single row as the store returns it.
type Record struct {
	ID          string         `json:"id"`
	Fields      map[string]any `json:"fields"`
	CreatedTime string         `json:"createdTime,omitempty"`
}

// RecordPage is one page of a list call. A non-empty Offset means more rows
// exist and must be fetched with a follow-up call.
type RecordPage struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

// ListOptions narrows a list call. Zero values are omitted from the query.
type ListOptions struct {
	FilterByFormula string
	MaxRecords      int
	PageSize        int
	Offset          string
}

// AirtableClient is a thin typed client for the record store HTTP API. It
// performs no retries; callers decide what a failed call means.
type AirtableClient struct {
	baseURL    string
	baseID     string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewAirtableClient builds a client from configuration. baseURL overrides are
// only used by tests pointing at a local double.
func NewAirtableClient(cfg *config.Config, logger *zap.Logger) *AirtableClient {
	return &AirtableClient{
		baseURL:    "https://api.airtable.com/v0",
		baseID:     cfg.Airtable.BaseID,
		apiKey:     cfg.Airtable.APIKey,
		httpClient: &http.Client{Timeout: cfg.Airtable.Timeout},
		logger:     logger,
	}
}

// SetBaseURL points the client at a different endpoint. Test hook.
func (c *AirtableClient) SetBaseURL(u string) {
	c.baseURL = strings.TrimRight(u, "/")
}

func (c *AirtableClient) tableURL(table string) string {
	return fmt.Sprintf("%s/%s/%s", c.baseURL, c.baseID, url.PathEscape(table))
}

// List fetches one page of rows.
func (c *AirtableClient) List(ctx context.Context, table string, opts ListOptions) (*RecordPage, error) {
	q := url.Values{}
	if opts.FilterByFormula != "" {
		q.Set("filterByFormula", opts.FilterByFormula)
	}
	if opts.MaxRecords > 0 {
		q.Set("maxRecords", strconv.Itoa(opts.MaxRecords))
	}
	if opts.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(opts.PageSize))
	}
	if opts.Offset != "" {
		q.Set("offset", opts.Offset)
	}

	u := c.tableURL(table)
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}

	var page RecordPage
	if err := c.do(ctx, http.MethodGet, u, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListAll pages through every row matching formula, bounded by maxListPages.
func (c *AirtableClient) ListAll(ctx context.Context, table, formula string) ([]Record, error) {
	var all []Record
	offset := ""
	for i := 0; i < maxListPages; i++ {
		page, err := c.List(ctx, table, ListOptions{FilterByFormula: formula, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Records...)
		if page.Offset == "" {
			return all, nil
		}
		offset = page.Offset
	}
	return nil, fmt.Errorf("airtable: list of %q did not terminate after %d pages", table, maxListPages)
}

// Get fetches a single row by record id.
func (c *AirtableClient) Get(ctx context.Context, table, id string) (*Record, error) {
	var rec Record
	if err := c.do(ctx, http.MethodGet, c.tableURL(table)+"/"+url.PathEscape(id), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Create inserts one row and returns it as stored.
func (c *AirtableClient) Create(ctx context.Context, table string, fields map[string]any) (*Record, error) {
	body := map[string]any{
		"records": []map[string]any{{"fields": fields}},
	}
	var page RecordPage
	if err := c.do(ctx, http.MethodPost, c.tableURL(table), body, &page); err != nil {
		return nil, err
	}
	if len(page.Records) == 0 {
		return nil, &UpstreamError{Status: http.StatusOK, Body: "create returned no records"}
	}
	return &page.Records[0], nil
}

// Update patches fields on an existing row.
func (c *AirtableClient) Update(ctx context.Context, table, id string, fields map[string]any) (*Record, error) {
	var rec Record
	err := c.do(ctx, http.MethodPatch, c.tableURL(table)+"/"+url.PathEscape(id), map[string]any{"fields": fields}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes one row.
func (c *AirtableClient) Delete(ctx context.Context, table, id string) error {
	return c.do(ctx, http.MethodDelete, c.tableURL(table)+"/"+url.PathEscape(id), nil, nil)
}

// DeleteBatch removes rows in chunks of MaxBatchSize per call.
func (c *AirtableClient) DeleteBatch(ctx context.Context, table string, ids []string) error {
	for len(ids) > 0 {
		n := len(ids)
		if n > MaxBatchSize {
			n = MaxBatchSize
		}
		q := url.Values{}
		for _, id := range ids[:n] {
			q.Add("records[]", id)
		}
		if err := c.do(ctx, http.MethodDelete, c.tableURL(table)+"?"+q.Encode(), nil, nil); err != nil {
			return err
		}
		ids = ids[n:]
	}
	return nil
}

func (c *AirtableClient) do(ctx context.Context, method, u string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &UpstreamError{Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &UpstreamError{Status: resp.StatusCode, Body: "unreadable response body"}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("Airtable call failed",
			util.String("method", method),
			util.Int("status", resp.StatusCode),
		)
		return &UpstreamError{Status: resp.StatusCode, Body: truncate(string(raw), maxErrorBody)}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &UpstreamError{Status: resp.StatusCode, Body: "unexpected response schema"}
		}
	}
	return nil
}

// Escape makes s safe for embedding inside double quotes in a filter formula.
func Escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "…"
	}
	return s
}

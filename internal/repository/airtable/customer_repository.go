package airtable

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"biblioteca-auth/internal/client"
	"biblioteca-auth/internal/config"
	"biblioteca-auth/internal/model"
	"biblioteca-auth/internal/util"
)

// CustomerRepository answers entitlement questions against the customers
// table. It is strictly read-only.
type CustomerRepository struct {
	client      *client.AirtableClient
	table       string
	accessField string
	logger      *zap.Logger
}

func NewCustomerRepository(c *client.AirtableClient, cfg *config.Config, logger *zap.Logger) *CustomerRepository {
	return &CustomerRepository{
		client:      c,
		table:       cfg.Airtable.CustomersTable,
		accessField: cfg.Airtable.AccessField,
		logger:      logger,
	}
}

// HasActiveAccess reports whether a customer row exists for email with a
// truthy entitlement flag. The email may be keyed under {Email} (any casing)
// or a pre-lowered {Email_lc} column, and the flag may be a checkbox, a
// numeric 1 or a localized yes string, so the filter accepts all of them.
// A missing row is false, not an error; upstream failures propagate.
func (r *CustomerRepository) HasActiveAccess(ctx context.Context, email string) (bool, error) {
	email = model.NormalizeEmail(email)
	f := r.accessField
	formula := fmt.Sprintf(
		`AND(OR(LOWER({Email})="%s",{Email_lc}="%s"),OR({%s}=1,{%s}=TRUE(),LOWER(SUBSTITUTE({%s},"í","i"))="si"))`,
		client.Escape(email), client.Escape(email), f, f, f,
	)

	page, err := r.client.List(ctx, r.table, client.ListOptions{
		FilterByFormula: formula,
		MaxRecords:      1,
	})
	if err != nil {
		return false, fmt.Errorf("customer lookup for %s: %w", email, err)
	}
	if len(page.Records) == 0 {
		return false, nil
	}

	// The filter already evaluated the flag server side; re-check the value
	// we got back so a row matched on a stale or oddly typed field cannot
	// slip through.
	if v, ok := page.Records[0].Fields[r.accessField]; ok && !model.TruthyAccess(v) {
		r.logger.Warn("customer row matched filter but flag is not truthy",
			util.String("email", email),
		)
		return false, nil
	}
	return true, nil
}

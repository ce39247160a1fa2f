// Package seed loads reference data (businesses, workers, VAT profiles and
// discount codes) into a store.
package seed

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/billing-core/db"
	"github.com/xenking/billing-core/internal/domain/discount"
	"github.com/xenking/billing-core/internal/domain/money"
	"github.com/xenking/billing-core/internal/domain/order"
	"github.com/xenking/billing-core/internal/storage/memory"
	"github.com/xenking/billing-core/internal/storage/postgres"
)

type businessJSON struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

type workerJSON struct {
	ID         int64  `json:"id"`
	BusinessID int64  `json:"businessId"`
	Name       string `json:"name"`
}

type vatProfileJSON struct {
	ID   int64           `json:"id"`
	Name string          `json:"name"`
	Rate decimal.Decimal `json:"rate"`
}

type discountJSON struct {
	Code        string          `json:"code"`
	Type        string          `json:"type"`
	Value       decimal.Decimal `json:"value"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	ValidFrom   *time.Time      `json:"validFrom"`
	ValidUntil  *time.Time      `json:"validUntil"`
	MaxUses     int             `json:"maxUses"`
}

type fileJSON struct {
	Businesses  []businessJSON   `json:"businesses"`
	Workers     []workerJSON     `json:"workers"`
	VatProfiles []vatProfileJSON `json:"vatProfiles"`
	Discounts   []discountJSON   `json:"discounts"`
}

// VatProfile is a named VAT rate.
type VatProfile struct {
	ID   int64
	Name string
	Rate decimal.Decimal
}

// Data is a validated seed document.
type Data struct {
	Businesses  []order.Business
	Workers     []order.Worker
	VatProfiles []VatProfile
	Discounts   []discount.Rule
}

// Default returns the seed data embedded in the binary.
func Default() (*Data, error) {
	return Parse(db.Seed)
}

// Load reads seed data from path, or the embedded default when path is empty.
func Load(path string) (*Data, error) {
	if path == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read seed file")
	}
	return Parse(raw)
}

// Parse decodes and validates a seed document. Workers must reference a
// business of the same document.
func Parse(raw []byte) (*Data, error) {
	var f fileJSON
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, errors.Wrap(err, "parse seed JSON")
	}

	d := &Data{}
	known := make(map[int64]bool, len(f.Businesses))
	for _, b := range f.Businesses {
		cur, err := money.ParseCurrency(b.Currency)
		if err != nil {
			return nil, errors.Wrapf(err, "business %d", b.ID)
		}
		known[b.ID] = true
		d.Businesses = append(d.Businesses, order.Business{ID: b.ID, Name: b.Name, Currency: cur})
	}
	for _, w := range f.Workers {
		if !known[w.BusinessID] {
			return nil, errors.Errorf("worker %d: unknown business %d", w.ID, w.BusinessID)
		}
		d.Workers = append(d.Workers, order.Worker{ID: w.ID, BusinessID: w.BusinessID, Name: w.Name})
	}
	for _, v := range f.VatProfiles {
		if v.Rate.IsNegative() {
			return nil, errors.Errorf("vat profile %d: negative rate %s", v.ID, v.Rate)
		}
		d.VatProfiles = append(d.VatProfiles, VatProfile(v))
	}
	for _, r := range f.Discounts {
		rule := discount.Rule{
			Code:        r.Code,
			Type:        discount.Type(r.Type),
			Value:       r.Value,
			Description: r.Description,
			ValidFrom:   r.ValidFrom,
			ValidUntil:  r.ValidUntil,
			MaxUses:     r.MaxUses,
		}
		if r.Currency != "" {
			cur, err := money.ParseCurrency(r.Currency)
			if err != nil {
				return nil, errors.Wrapf(err, "discount %s", r.Code)
			}
			rule.Currency = cur
		}
		if err := validateRule(rule); err != nil {
			return nil, errors.Wrapf(err, "discount %s", r.Code)
		}
		d.Discounts = append(d.Discounts, rule)
	}
	return d, nil
}

// validateRule checks a rule the way it will be priced at order time.
func validateRule(r discount.Rule) error {
	if r.Code == "" {
		return errors.New("empty code")
	}
	cur := r.Currency
	if cur == "" {
		cur = "USD"
	}
	_, err := r.Spec(cur)
	return err
}

// Target receives seed data. Writes must be upserts so that seeding twice
// is harmless.
type Target interface {
	PutBusiness(ctx context.Context, b order.Business) error
	PutWorker(ctx context.Context, w order.Worker) error
	PutVatProfile(ctx context.Context, id int64, name string, rate decimal.Decimal) error
	PutDiscounts(ctx context.Context, rules []discount.Rule) error
}

// Apply writes d to t.
func Apply(ctx context.Context, t Target, d *Data) error {
	lg := zctx.From(ctx)
	for _, b := range d.Businesses {
		if err := t.PutBusiness(ctx, b); err != nil {
			return errors.Wrapf(err, "put business %d", b.ID)
		}
	}
	for _, w := range d.Workers {
		if err := t.PutWorker(ctx, w); err != nil {
			return errors.Wrapf(err, "put worker %d", w.ID)
		}
	}
	for _, v := range d.VatProfiles {
		if err := t.PutVatProfile(ctx, v.ID, v.Name, v.Rate); err != nil {
			return errors.Wrapf(err, "put vat profile %d", v.ID)
		}
	}
	if len(d.Discounts) > 0 {
		if err := t.PutDiscounts(ctx, d.Discounts); err != nil {
			return errors.Wrap(err, "put discounts")
		}
	}
	lg.Info("Seed applied",
		zap.Int("businesses", len(d.Businesses)),
		zap.Int("workers", len(d.Workers)),
		zap.Int("vat_profiles", len(d.VatProfiles)),
		zap.Int("discounts", len(d.Discounts)),
	)
	return nil
}

// Memory adapts a memory.Store to Target.
type Memory struct {
	Store *memory.Store
}

func (m Memory) PutBusiness(_ context.Context, b order.Business) error {
	m.Store.PutBusiness(b)
	return nil
}

func (m Memory) PutWorker(_ context.Context, w order.Worker) error {
	m.Store.PutWorker(w)
	return nil
}

func (m Memory) PutVatProfile(_ context.Context, id int64, _ string, rate decimal.Decimal) error {
	m.Store.PutVatProfile(id, rate)
	return nil
}

func (m Memory) PutDiscounts(_ context.Context, rules []discount.Rule) error {
	for _, r := range rules {
		m.Store.PutDiscountRule(r)
	}
	return nil
}

// Postgres adapts a postgres.Store to Target.
type Postgres struct {
	Store *postgres.Store
}

func (p Postgres) PutBusiness(ctx context.Context, b order.Business) error {
	return p.Store.Directory().PutBusiness(ctx, b)
}

func (p Postgres) PutWorker(ctx context.Context, w order.Worker) error {
	return p.Store.Directory().PutWorker(ctx, w)
}

func (p Postgres) PutVatProfile(ctx context.Context, id int64, name string, rate decimal.Decimal) error {
	return p.Store.Directory().PutVatProfile(ctx, id, name, rate)
}

func (p Postgres) PutDiscounts(ctx context.Context, rules []discount.Rule) error {
	return p.Store.Discounts().UpsertBatch(ctx, rules)
}

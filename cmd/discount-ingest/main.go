package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/billing-core/internal/domain/discount"
	"github.com/xenking/billing-core/internal/domain/money"
	"github.com/xenking/billing-core/internal/ingest"
	"github.com/xenking/billing-core/internal/seed"
	"github.com/xenking/billing-core/internal/storage/postgres"
)

type options struct {
	dataDir     string
	pattern     string
	databaseURL string
	overrides   string
	batchSize   int
	dryRun      bool
	extract     ingest.Options

	ruleType    string
	value       string
	currency    string
	description string
	maxUses     int
	validUntil  string
}

func main() {
	opts := options{extract: ingest.DefaultOptions()}

	flag.StringVar(&opts.dataDir, "data-dir", "data", "directory containing gzip code dumps")
	flag.StringVar(&opts.pattern, "pattern", "*.gz", "glob of dump files inside data-dir")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&opts.overrides, "overrides", "", "seed file whose discounts replace the default rule for their codes")
	flag.IntVar(&opts.batchSize, "batch-size", 1000, "rules per upsert batch")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "extract codes without writing them")
	flag.IntVar(&opts.extract.MinFiles, "min-files", opts.extract.MinFiles, "number of dumps a code must appear in")
	flag.IntVar(&opts.extract.MinLen, "min-len", opts.extract.MinLen, "minimum code length")
	flag.IntVar(&opts.extract.MaxLen, "max-len", opts.extract.MaxLen, "maximum code length")
	flag.UintVar(&opts.extract.Capacity, "capacity", opts.extract.Capacity, "expected codes per dump")
	flag.StringVar(&opts.ruleType, "type", string(discount.TypePercentage), "default rule type: percentage or fixed")
	flag.StringVar(&opts.value, "value", "10", "default rule value: percent, or major units for fixed")
	flag.StringVar(&opts.currency, "currency", "", "currency of a fixed default rule")
	flag.StringVar(&opts.description, "description", "Promo code", "default rule description")
	flag.IntVar(&opts.maxUses, "max-uses", 0, "redemptions allowed per code, 0 for unlimited")
	flag.StringVar(&opts.validUntil, "valid-until", "", "RFC 3339 expiry of the default rule")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" && !opts.dryRun {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx = zctx.Base(ctx, lg)

	if err := run(ctx, opts); err != nil {
		lg.Fatal("Discount ingest failed", zap.Error(err))
	}
	lg.Info("Discount ingest completed")
}

func run(ctx context.Context, opts options) error {
	lg := zctx.From(ctx)

	def, err := opts.defaultRule()
	if err != nil {
		return err
	}
	var overrides []discount.Rule
	if opts.overrides != "" {
		d, err := seed.Load(opts.overrides)
		if err != nil {
			return errors.Wrap(err, "load overrides")
		}
		overrides = d.Discounts
	}

	files, err := filepath.Glob(filepath.Join(opts.dataDir, opts.pattern))
	if err != nil {
		return errors.Wrap(err, "list dumps")
	}
	slices.Sort(files)
	lg.Info("Found dumps", zap.Strings("files", files))

	codes, err := ingest.FindCodes(ctx, files, opts.extract)
	if err != nil {
		return errors.Wrap(err, "find codes")
	}
	rules, err := ingest.Rules(codes, def, overrides)
	if err != nil {
		return errors.Wrap(err, "build rules")
	}
	if len(rules) == 0 {
		lg.Info("No codes to write")
		return nil
	}
	if opts.dryRun {
		lg.Info("Dry run, skipping write", zap.Int("rules", len(rules)))
		return nil
	}

	lg.Info("Connecting to database")
	pool, err := postgres.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	return ingest.Write(ctx, postgres.NewStore(pool).Discounts(), rules, opts.batchSize)
}

func (o options) defaultRule() (discount.Rule, error) {
	value, err := decimal.NewFromString(o.value)
	if err != nil {
		return discount.Rule{}, errors.Wrapf(err, "parse value %q", o.value)
	}
	r := discount.Rule{
		Type:        discount.Type(strings.ToLower(o.ruleType)),
		Value:       value,
		Description: o.description,
		MaxUses:     o.maxUses,
	}
	if o.currency != "" {
		cur, err := money.ParseCurrency(o.currency)
		if err != nil {
			return discount.Rule{}, err
		}
		r.Currency = cur
	}
	if o.validUntil != "" {
		t, err := time.Parse(time.RFC3339, o.validUntil)
		if err != nil {
			return discount.Rule{}, errors.Wrap(err, "parse valid-until")
		}
		r.ValidUntil = &t
	}
	return r, nil
}

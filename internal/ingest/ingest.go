// Package ingest extracts discount codes from large gzip-compressed code
// dumps and turns them into catalog rules.
//
// A code is accepted when it appears in at least Options.MinFiles of the
// input files. Files are scanned twice: the first pass builds one bloom
// filter per file, the second pass tests each code against the filters of
// the other files and records which files vouch for it. Only candidates are
// kept in memory.
package ingest

import (
	"bufio"
	"context"
	"math/bits"
	"os"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/billing-core/internal/domain/discount"
)

// Options tune code extraction.
type Options struct {
	// Capacity is the expected number of codes per file.
	Capacity uint
	// FalsePositiveRate of each bloom filter.
	FalsePositiveRate float64
	// MinLen and MaxLen bound the accepted code length; other lines are skipped.
	MinLen, MaxLen int
	// MinFiles is the number of files a code must appear in.
	MinFiles int
	// ProgressEvery logs scan progress every N codes; zero disables it.
	ProgressEvery uint64
}

// DefaultOptions are sized for dumps of about a hundred million codes.
func DefaultOptions() Options {
	return Options{
		Capacity:          120_000_000,
		FalsePositiveRate: 0.001,
		MinLen:            8,
		MaxLen:            10,
		MinFiles:          2,
		ProgressEvery:     10_000_000,
	}
}

func (o Options) validate(files int) error {
	switch {
	case files == 0:
		return errors.New("no input files")
	case files > bits.UintSize:
		return errors.Errorf("at most %d input files are supported", bits.UintSize)
	case o.MinFiles < 2 || o.MinFiles > files:
		return errors.Errorf("min files must be within [2, %d], got %d", files, o.MinFiles)
	case o.MinLen <= 0 || o.MaxLen < o.MinLen:
		return errors.Errorf("invalid code length bounds [%d, %d]", o.MinLen, o.MaxLen)
	case o.Capacity == 0 || o.FalsePositiveRate <= 0 || o.FalsePositiveRate >= 1:
		return errors.New("invalid bloom filter sizing")
	}
	return nil
}

func (o Options) normalize(line string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(line))
	if len(code) < o.MinLen || len(code) > o.MaxLen {
		return "", false
	}
	return code, true
}

// FindCodes returns the codes that appear in at least opts.MinFiles of the
// files, sorted. Codes are trimmed and upper-cased before comparison.
func FindCodes(ctx context.Context, files []string, opts Options) ([]string, error) {
	if err := opts.validate(len(files)); err != nil {
		return nil, err
	}
	lg := zctx.From(ctx)

	lg.Info("Pass 1: building bloom filters", zap.Int("files", len(files)))
	filters, err := buildFilters(ctx, files, opts)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	lg.Info("Pass 2: finding candidate codes")
	masks := make([]map[string]uint, len(files))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			m, err := scanCandidates(gctx, i, path, filters, opts)
			if err != nil {
				return errors.Wrapf(err, "scan file %d for candidates", i+1)
			}
			masks[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint)
	for _, m := range masks {
		for code, mask := range m {
			merged[code] |= mask
		}
	}
	var codes []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= opts.MinFiles {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	lg.Info("Valid codes found", zap.Int("count", len(codes)))
	return codes, nil
}

func buildFilters(ctx context.Context, files []string, opts Options) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))
	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(opts.Capacity, opts.FalsePositiveRate)
			count, err := streamCodes(ctx, path, opts, func(code string) {
				filter.AddString(code)
			}, progress(ctx, "Pass 1 progress", i))
			if err != nil {
				return errors.Wrapf(err, "build filter for file %d", i+1)
			}
			zctx.From(ctx).Info("Pass 1 complete", zap.Int("file", i+1), zap.Uint64("codes", count))
			filters[i] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// scanCandidates marks each code of file idx that another file's filter
// may contain. False positives only set the bit of the scanned file, so a
// code seen in one file never reaches two bits.
func scanCandidates(ctx context.Context, idx int, path string, filters []*bloom.BloomFilter, opts Options) (map[string]uint, error) {
	candidates := make(map[string]uint)
	bit := uint(1) << uint(idx)
	count, err := streamCodes(ctx, path, opts, func(code string) {
		for j, f := range filters {
			if j != idx && f.TestString(code) {
				candidates[code] |= bit
				return
			}
		}
	}, progress(ctx, "Pass 2 progress", idx))
	if err != nil {
		return nil, err
	}
	zctx.From(ctx).Info("Pass 2 complete",
		zap.Int("file", idx+1),
		zap.Uint64("codes", count),
		zap.Int("candidates", len(candidates)),
	)
	return candidates, nil
}

func progress(ctx context.Context, msg string, idx int) func(uint64) {
	return func(n uint64) {
		zctx.From(ctx).Info(msg, zap.Int("file", idx+1), zap.Uint64("codes", n))
	}
}

// streamCodes calls fn for every well-formed code of a gzip file and
// returns how many were seen.
func streamCodes(ctx context.Context, path string, opts Options, fn func(code string), report func(uint64)) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return 0, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	var count uint64
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		code, ok := opts.normalize(scanner.Text())
		if !ok {
			continue
		}
		fn(code)
		count++
		if opts.ProgressEvery > 0 && count%opts.ProgressEvery == 0 {
			report(count)
		}
	}
	if err := scanner.Err(); err != nil {
		return count, errors.Wrapf(err, "scan %s", path)
	}
	return count, nil
}

// Rules builds a catalog rule for every code. Codes listed in overrides take
// that rule; the rest are copies of def.
func Rules(codes []string, def discount.Rule, overrides []discount.Rule) ([]discount.Rule, error) {
	byCode := make(map[string]discount.Rule, len(overrides))
	for _, r := range overrides {
		byCode[strings.ToUpper(r.Code)] = r
	}
	if err := checkRule(def); err != nil {
		return nil, errors.Wrap(err, "default rule")
	}

	rules := make([]discount.Rule, 0, len(codes))
	for _, code := range codes {
		r, ok := byCode[code]
		if !ok {
			r = def
		} else if err := checkRule(r); err != nil {
			return nil, errors.Wrapf(err, "rule for %s", code)
		}
		r.Code = code
		r.Uses = 0
		rules = append(rules, r)
	}
	return rules, nil
}

func checkRule(r discount.Rule) error {
	cur := r.Currency
	if cur == "" {
		cur = "USD"
	}
	_, err := r.Spec(cur)
	return err
}

// Writer persists rules in bulk.
type Writer interface {
	UpsertBatch(ctx context.Context, rules []discount.Rule) error
}

// Write upserts rules in batches of batchSize.
func Write(ctx context.Context, w Writer, rules []discount.Rule, batchSize int) error {
	if batchSize <= 0 {
		return errors.Errorf("invalid batch size %d", batchSize)
	}
	lg := zctx.From(ctx)
	lg.Info("Writing discount rules", zap.Int("count", len(rules)))
	for start := 0; start < len(rules); start += batchSize {
		end := min(start+batchSize, len(rules))
		if err := w.UpsertBatch(ctx, rules[start:end]); err != nil {
			return errors.Wrapf(err, "upsert rules %d..%d", start, end)
		}
		lg.Info("Write progress", zap.Int("written", end), zap.Int("total", len(rules)))
	}
	return nil
}

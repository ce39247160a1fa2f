package receipt

import (
	"context"
	"math"

	"github.com/go-faster/errors"

	"github.com/xenking/billing-core/internal/domain/fault"
)

// DefaultPerPage is used when a negative page size is requested.
const DefaultPerPage = 20

// Source reads settled orders of a business, most recently completed first.
// A zero limit returns every record from offset on.
type Source interface {
	BusinessExists(ctx context.Context, businessID int64) (bool, error)
	ListSettled(ctx context.Context, businessID int64, limit, offset int) ([]Settled, int64, error)
}

// Page describes the position of a listing within the full result.
type Page struct {
	Number     int
	PerPage    int
	Total      int64
	TotalPages int
	HasNext    bool
	HasPrev    bool
}

// List is one page of receipts.
type List struct {
	Items []Receipt
	Page  Page
}

// Projector lists receipts.
type Projector struct {
	source         Source
	defaultPerPage int
}

// NewProjector creates a Projector. A non-positive defaultPerPage selects
// DefaultPerPage.
func NewProjector(source Source, defaultPerPage int) *Projector {
	if defaultPerPage <= 0 {
		defaultPerPage = DefaultPerPage
	}
	return &Projector{source: source, defaultPerPage: defaultPerPage}
}

// List returns receipts of a business. page is clamped to at least 1 and
// perPage 0 returns all receipts. An unknown business is an error; a
// business without settled orders yields an empty list.
func (p *Projector) List(ctx context.Context, businessID int64, page, perPage int) (*List, error) {
	ok, err := p.source.BusinessExists(ctx, businessID)
	if err != nil {
		return nil, errors.Wrap(err, "check business")
	}
	if !ok {
		return nil, fault.NotFound("business", businessID)
	}

	if page < 1 {
		page = 1
	}
	if perPage < 0 {
		perPage = p.defaultPerPage
	}
	offset := 0
	switch {
	case perPage == 0:
		page = 1
	case page-1 > math.MaxInt/perPage:
		// Far past the last page; the source still reports the total.
		offset = math.MaxInt
	default:
		offset = (page - 1) * perPage
	}

	settled, total, err := p.source.ListSettled(ctx, businessID, perPage, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list settled orders")
	}

	items := make([]Receipt, len(settled))
	for i, s := range settled {
		items[i] = Project(s)
	}
	return &List{Items: items, Page: newPage(page, perPage, total)}, nil
}

func newPage(page, perPage int, total int64) Page {
	pg := Page{Number: page, PerPage: perPage, Total: total, HasPrev: page > 1}
	switch {
	case total == 0:
	case perPage == 0:
		pg.TotalPages = 1
	default:
		pg.TotalPages = int((total + int64(perPage) - 1) / int64(perPage))
	}
	pg.HasNext = page < pg.TotalPages
	return pg
}

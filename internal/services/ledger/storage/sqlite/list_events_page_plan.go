package sqlite

import (
	"fmt"
	"slices"
	"strings"

	"github.com/louisbranch/evidence.space/internal/services/ledger/storage"
	"github.com/louisbranch/evidence.space/internal/services/ledger/storage/cursor"
)

const (
	defaultEventPageSize = 50
	maxEventPageSize     = 200
)

// eventPagePlan holds the SQL for one page of a scope's journal and for the
// number of events the listing matches.
type eventPagePlan struct {
	pageSize  int
	pageSQL   string
	pageArgs  []any
	countSQL  string
	countArgs []any
}

// predicate accumulates AND-ed conditions with their positional arguments.
type predicate struct {
	clauses []string
	args    []any
}

func (p *predicate) and(clause string, args ...any) {
	p.clauses = append(p.clauses, clause)
	p.args = append(p.args, args...)
}

func (p predicate) clone() predicate {
	return predicate{clauses: slices.Clone(p.clauses), args: slices.Clone(p.args)}
}

func (p predicate) String() string {
	return strings.Join(p.clauses, " AND ")
}

func clampEventPageSize(size int) int {
	switch {
	case size <= 0:
		return defaultEventPageSize
	case size > maxEventPageSize:
		return maxEventPageSize
	}
	return size
}

// planEventPage builds the page and count queries of req. The count ignores
// the cursor so every page of one listing reports the same total. The page
// reads one extra row to tell whether another page follows.
func planEventPage(req storage.ListEventsPageRequest) eventPagePlan {
	size := clampEventPageSize(req.PageSize)

	var listing predicate
	listing.and("scope_id = ?", req.ScopeID)
	if req.AfterSeq > 0 {
		listing.and("seq > ?", req.AfterSeq)
	}
	if req.FilterClause != "" {
		listing.and("("+req.FilterClause+")", req.FilterParams...)
	}

	page := listing.clone()
	if req.CursorSeq > 0 {
		if req.CursorDir == string(cursor.DirectionBackward) {
			page.and("seq < ?", req.CursorSeq)
		} else {
			page.and("seq > ?", req.CursorSeq)
		}
	}

	// Previous pages read toward the cursor, against the requested order.
	ascending := !req.Descending
	if req.CursorReverse {
		ascending = !ascending
	}
	order := "DESC"
	if ascending {
		order = "ASC"
	}

	return eventPagePlan{
		pageSize:  size,
		pageSQL:   fmt.Sprintf("SELECT %s FROM events WHERE %s ORDER BY seq %s LIMIT %d", eventColumns, page, order, size+1),
		pageArgs:  page.args,
		countSQL:  "SELECT COUNT(*) FROM events WHERE " + listing.String(),
		countArgs: listing.args,
	}
}

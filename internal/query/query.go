// Package query parses and normalizes notification list filters and
// shapes paginated responses.
package query

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/dmutua/safiri/internal/notify"
)

// MaxPageSize caps page_size; larger requests are clamped, not rejected.
const MaxPageSize = 20

// DefaultPageSize is used when page_size is absent.
const DefaultPageSize = 20

// Ordering fields accepted by the list endpoint.
const (
	OrderCreatedAt = "created_at"
	OrderPriority  = "priority"
)

// Filter is a parsed notification list query. Nil pointers mean the
// dimension is not filtered.
type Filter struct {
	Recipient *int64
	Student   *int64
	Vehicle   *int64
	Route     *int64

	Type     string
	Priority string
	Status   string

	Read      *bool
	Sent      *bool
	Delivered *bool

	// Search matches against title and message.
	Search string

	CreatedAfter  *time.Time
	CreatedBefore *time.Time

	OrderBy   string
	OrderDesc bool

	Page     int
	PageSize int
}

// Searcher runs a filter against the notification store, returning one
// page of records plus the total match count.
type Searcher interface {
	Search(ctx context.Context, f Filter) ([]*notify.NotificationRecord, int, error)
}

// ParseFilter reads a filter from URL query parameters. Unknown enum
// values and malformed numbers are rejected; paging is normalized.
func ParseFilter(values url.Values) (Filter, error) {
	var f Filter
	var err error

	if f.Recipient, err = parseInt64(values, "recipient"); err != nil {
		return f, err
	}
	if f.Student, err = parseInt64(values, "student"); err != nil {
		return f, err
	}
	if f.Vehicle, err = parseInt64(values, "vehicle"); err != nil {
		return f, err
	}
	if f.Route, err = parseInt64(values, "route"); err != nil {
		return f, err
	}

	if v := values.Get("notification_type"); v != "" {
		if !notify.ValidType(notify.Type(v)) {
			return f, fmt.Errorf("unrecognized notification_type %q", v)
		}
		f.Type = v
	}
	if v := values.Get("priority"); v != "" {
		if !notify.ValidPriority(notify.Priority(v)) {
			return f, fmt.Errorf("unrecognized priority %q", v)
		}
		f.Priority = v
	}
	if v := values.Get("status"); v != "" {
		if !notify.ValidStatus(notify.AttemptStatus(v)) {
			return f, fmt.Errorf("unrecognized status %q", v)
		}
		f.Status = v
	}

	if f.Read, err = parseBool(values, "read"); err != nil {
		return f, err
	}
	if f.Sent, err = parseBool(values, "sent"); err != nil {
		return f, err
	}
	if f.Delivered, err = parseBool(values, "delivered"); err != nil {
		return f, err
	}

	f.Search = values.Get("search")

	if f.CreatedAfter, err = parseTime(values, "created_after"); err != nil {
		return f, err
	}
	if f.CreatedBefore, err = parseTime(values, "created_before"); err != nil {
		return f, err
	}

	// DRF-style ordering: "created_at" ascending, "-created_at" descending.
	switch ordering := values.Get("ordering"); ordering {
	case "", "-" + OrderCreatedAt:
		f.OrderBy = OrderCreatedAt
		f.OrderDesc = true
	case OrderCreatedAt:
		f.OrderBy = OrderCreatedAt
	case OrderPriority:
		f.OrderBy = OrderPriority
	case "-" + OrderPriority:
		f.OrderBy = OrderPriority
		f.OrderDesc = true
	default:
		return f, fmt.Errorf("unsupported ordering %q", ordering)
	}

	if v := values.Get("page"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 1 {
			return f, fmt.Errorf("invalid page %q", v)
		}
		f.Page = n
	}
	if v := values.Get("page_size"); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 1 {
			return f, fmt.Errorf("invalid page_size %q", v)
		}
		f.PageSize = n
	}

	f.normalizePaging()
	return f, nil
}

func (f *Filter) normalizePaging() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

// Offset is the row offset for the current page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

// Page is the paginated list envelope.
type Page struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  any     `json:"results"`
}

// BuildPage wraps one page of results, deriving next and previous links
// from the request URL.
func BuildPage(reqURL *url.URL, f Filter, total int, results any) Page {
	p := Page{Count: total, Results: results}

	if f.Page*f.PageSize < total {
		p.Next = pageLink(reqURL, f.Page+1)
	}
	if f.Page > 1 {
		p.Previous = pageLink(reqURL, f.Page-1)
	}
	return p
}

func pageLink(reqURL *url.URL, page int) *string {
	u := *reqURL
	q := u.Query()
	if page <= 1 {
		q.Del("page")
	} else {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	s := u.String()
	return &s
}

func parseInt64(values url.Values, key string) (*int64, error) {
	v := values.Get(key)
	if v == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", key, v)
	}
	return &n, nil
}

func parseBool(values url.Values, key string) (*bool, error) {
	v := values.Get(key)
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q", key, v)
	}
	return &b, nil
}

func parseTime(values url.Values, key string) (*time.Time, error) {
	v := values.Get(key)
	if v == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q, want RFC 3339", key, v)
	}
	return &ts, nil
}

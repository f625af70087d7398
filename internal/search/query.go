package search

import (
	"fmt"
	"strings"

	pkgerrors "github.com/pkgdepot/pkgdepot/pkg/errors"
)

// Order selects the ranking applied to search results.
type Order string

const (
	OrderTop        Order = "top"
	OrderText       Order = "text"
	OrderCreated    Order = "created"
	OrderUpdated    Order = "updated"
	OrderPopularity Order = "popularity"
	OrderLike       Order = "like"
	OrderPoints     Order = "points"
)

var validOrders = map[Order]struct{}{
	OrderTop: {}, OrderText: {}, OrderCreated: {}, OrderUpdated: {},
	OrderPopularity: {}, OrderLike: {}, OrderPoints: {},
}

// Tag prefixes recognised when they appear as key:value terms inside free
// query text.
var knownTagPrefixes = []string{"sdk:", "platform:", "is:", "license:", "topic:"}

// Request is a search request before parsing.
type Request struct {
	Query  string
	Tags   []string // explicit scope tags; "-tag" excludes
	Order  Order
	Offset int
	Limit  int
}

// parsedQuery is the structured form of a Request after splitting scope
// terms out of the free text.
type parsedQuery struct {
	text         string
	tokens       []string
	phrases      []string
	namePrefix   string
	includeTags  []string
	excludeTags  []string
	dependencies []string // direct or dev only
	allDeps      []string // any transitive dependency
	publishers   []string
	emails       []string
	order        Order
	offset       int
	limit        int
}

// hasScope reports whether any non-free-text constraint is present. A bare
// query (no scope) is the only case eligible for a highlighted exact-name
// hit.
func (q *parsedQuery) hasScope() bool {
	return q.namePrefix != "" ||
		len(q.includeTags) > 0 || len(q.excludeTags) > 0 ||
		len(q.dependencies) > 0 || len(q.allDeps) > 0 ||
		len(q.publishers) > 0 || len(q.emails) > 0
}

// parseRequest validates the request and splits scope terms
// (package:, dependency:, dependency*:, publisher:, email:, recognised tags,
// quoted phrases) out of the free text. Constraint violations are rejected
// synchronously before any index work.
func parseRequest(req Request, maxQueryLength, defaultLimit, maxLimit int) (*parsedQuery, error) {
	if len(req.Query) > maxQueryLength {
		return nil, pkgerrors.Newf(pkgerrors.ErrInvalidQuery, 400,
			"query length %d exceeds maximum %d", len(req.Query), maxQueryLength)
	}
	if req.Offset < 0 {
		return nil, pkgerrors.New(pkgerrors.ErrInvalidQuery, 400, "offset must not be negative")
	}
	if req.Limit < 0 {
		return nil, pkgerrors.New(pkgerrors.ErrInvalidQuery, 400, "limit must not be negative")
	}

	q := &parsedQuery{
		order:  req.Order,
		offset: req.Offset,
		limit:  req.Limit,
	}
	if q.order == "" {
		q.order = OrderTop
	}
	if _, ok := validOrders[q.order]; !ok {
		return nil, pkgerrors.Newf(pkgerrors.ErrInvalidQuery, 400, "unknown order %q", q.order)
	}
	if q.limit == 0 {
		q.limit = defaultLimit
	}
	if q.limit > maxLimit {
		q.limit = maxLimit
	}

	for _, tag := range req.Tags {
		if strings.HasPrefix(tag, "-") {
			q.excludeTags = append(q.excludeTags, tag[1:])
		} else {
			q.includeTags = append(q.includeTags, tag)
		}
	}

	rest, phrases := extractPhrases(req.Query)
	q.phrases = phrases

	var freeText []string
	for _, term := range strings.Fields(rest) {
		switch {
		case strings.HasPrefix(term, "package:"):
			q.namePrefix = term[len("package:"):]
		case strings.HasPrefix(term, "dependency*:"):
			q.allDeps = append(q.allDeps, term[len("dependency*:"):])
		case strings.HasPrefix(term, "dependency:"):
			q.dependencies = append(q.dependencies, term[len("dependency:"):])
		case strings.HasPrefix(term, "publisher:"):
			q.publishers = append(q.publishers, term[len("publisher:"):])
		case strings.HasPrefix(term, "email:"):
			q.emails = append(q.emails, term[len("email:"):])
		case isKnownTag(term):
			q.includeTags = append(q.includeTags, term)
		case strings.HasPrefix(term, "-") && isKnownTag(term[1:]):
			q.excludeTags = append(q.excludeTags, term[1:])
		default:
			freeText = append(freeText, term)
		}
	}
	q.text = strings.Join(freeText, " ")
	q.tokens = tokenize(q.text)
	// Phrase words still score like ordinary tokens; the phrase itself adds a
	// literal containment requirement on top.
	for _, phrase := range q.phrases {
		q.tokens = append(q.tokens, tokenize(phrase)...)
	}

	for _, inc := range q.includeTags {
		for _, exc := range q.excludeTags {
			if inc == exc {
				return nil, pkgerrors.Newf(pkgerrors.ErrInvalidQuery, 400,
					"tag %q is both required and excluded", inc)
			}
		}
	}
	return q, nil
}

func isKnownTag(term string) bool {
	for _, prefix := range knownTagPrefixes {
		if strings.HasPrefix(term, prefix) && len(term) > len(prefix) {
			return true
		}
	}
	return false
}

// extractPhrases pulls "quoted phrases" out of the query, returning the
// remaining text and the phrases. An unterminated quote is treated as
// literal text.
func extractPhrases(query string) (string, []string) {
	var phrases []string
	var rest strings.Builder
	for {
		start := strings.IndexByte(query, '"')
		if start < 0 {
			rest.WriteString(query)
			break
		}
		end := strings.IndexByte(query[start+1:], '"')
		if end < 0 {
			rest.WriteString(query)
			break
		}
		rest.WriteString(query[:start])
		rest.WriteByte(' ')
		phrase := query[start+1 : start+1+end]
		if strings.TrimSpace(phrase) != "" {
			phrases = append(phrases, phrase)
		}
		query = query[start+end+2:]
	}
	return rest.String(), phrases
}

// Hit is one ranked search result.
type Hit struct {
	Package string  `json:"package"`
	Score   float64 `json:"score,omitempty"`
}

// Result is the response of Index.Search.
type Result struct {
	TotalCount     int    `json:"totalCount"`
	HighlightedHit *Hit   `json:"highlightedHit,omitempty"`
	Hits           []Hit  `json:"hits"`
}

func (o Order) String() string { return string(o) }

// ParseOrder converts a string into an Order, defaulting to top.
func ParseOrder(s string) (Order, error) {
	if s == "" {
		return OrderTop, nil
	}
	o := Order(s)
	if _, ok := validOrders[o]; !ok {
		return "", fmt.Errorf("%w: unknown order %q", pkgerrors.ErrInvalidQuery, s)
	}
	return o, nil
}

package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// GetBuilder issues a plain GET against the derived page URL. Used for
// sources that paginate through query parameters alone.
type GetBuilder struct {
	UserAgent string
}

// Build returns a GET request for the page URL.
func (b *GetBuilder) Build(ctx context.Context, pageURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build page request: %w", err)
	}
	if b.UserAgent != "" {
		req.Header.Set("User-Agent", b.UserAgent)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// GraphQLQuery shapes the persisted advanced title search.
type GraphQLQuery struct {
	Locale     string
	SortBy     string
	SortOrder  string
	TitleTypes []string
	// SHA identifies the persisted query on the server side.
	SHA string
}

// GraphQLBuilder issues the persisted-query POST the listing endpoint
// expects. The page index and page size are read back out of the
// derived page URL so the scheduler stays format-agnostic.
type GraphQLBuilder struct {
	Endpoint  string
	UserAgent string
	Query     GraphQLQuery
}

type persistedQueryBody struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables"`
	Extensions    map[string]any `json:"extensions"`
}

// Build converts the page URL into the persisted-query request.
func (b *GraphQLBuilder) Build(ctx context.Context, pageURL string) (*http.Request, error) {
	page, first, err := pageParams(pageURL)
	if err != nil {
		return nil, err
	}

	variables := map[string]any{
		"first":          first,
		"jumpToPosition": (page - 1) * first,
		"locale":         b.Query.Locale,
		"sortBy":         b.Query.SortBy,
		"sortOrder":      b.Query.SortOrder,
	}
	if len(b.Query.TitleTypes) > 0 {
		variables["titleTypeConstraint"] = map[string]any{
			"anyTitleTypeIds": b.Query.TitleTypes,
		}
	}

	body := persistedQueryBody{
		OperationName: "AdvancedTitleSearch",
		Variables:     variables,
		Extensions: map[string]any{
			"persistedQuery": map[string]any{
				"version":    1,
				"sha256Hash": b.Query.SHA,
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode query body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build query request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/graphql+json, application/json")
	if b.UserAgent != "" {
		req.Header.Set("User-Agent", b.UserAgent)
	}
	return req, nil
}

// pageParams extracts the page index and page size from a derived URL.
func pageParams(pageURL string) (page, first int, err error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return 0, 0, fmt.Errorf("parse page url: %w", err)
	}
	q := u.Query()
	page, err = strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		return 0, 0, fmt.Errorf("page url %q has no valid page parameter", pageURL)
	}
	first, err = strconv.Atoi(q.Get("first"))
	if err != nil || first < 1 {
		return 0, 0, fmt.Errorf("page url %q has no valid first parameter", pageURL)
	}
	return page, first, nil
}

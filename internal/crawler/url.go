package crawler

import (
	"fmt"
	"net/url"
	"strconv"
)

// PageURL derives the listing URL for a 1-based page index from the base
// search URL and page size. The derivation is deterministic so that a
// resumed run regenerates identical task URLs.
func PageURL(base string, page, perPage int) (string, error) {
	if page < 1 {
		return "", fmt.Errorf("page %d must be >= 1", page)
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("first", strconv.Itoa(perPage))
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

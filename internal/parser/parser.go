// Package parser decodes listing page payloads into records. Parsing is
// pure: no I/O, no shared state, safe for concurrent use.
package parser

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/moviemeta/titlecrawler/internal/crawler"
)

// TitleSearch parses the advanced title search response envelope.
type TitleSearch struct{}

// New returns a TitleSearch parser.
func New() *TitleSearch {
	return &TitleSearch{}
}

type envelope struct {
	Data struct {
		AdvancedTitleSearch *struct {
			Total int `json:"total"`
			Edges []struct {
				Node struct {
					Title titleNode `json:"title"`
				} `json:"node"`
			} `json:"edges"`
			PageInfo struct {
				HasNextPage bool   `json:"hasNextPage"`
				EndCursor   string `json:"endCursor"`
			} `json:"pageInfo"`
		} `json:"advancedTitleSearch"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type titleNode struct {
	ID        string `json:"id"`
	TitleText struct {
		Text string `json:"text"`
	} `json:"titleText"`
	OriginalTitleText struct {
		Text string `json:"text"`
	} `json:"originalTitleText"`
	TitleType struct {
		ID string `json:"id"`
	} `json:"titleType"`
	ReleaseYear *struct {
		Year int `json:"year"`
	} `json:"releaseYear"`
	RatingsSummary *struct {
		AggregateRating *float64 `json:"aggregateRating"`
		VoteCount       *int64   `json:"voteCount"`
	} `json:"ratingsSummary"`
	Runtime *struct {
		Seconds int64 `json:"seconds"`
	} `json:"runtime"`
	TitleGenres *struct {
		Genres []struct {
			Genre struct {
				Text string `json:"text"`
			} `json:"genre"`
		} `json:"genres"`
	} `json:"titleGenres"`
	Plot *struct {
		PlotText *struct {
			PlainText string `json:"plainText"`
		} `json:"plotText"`
	} `json:"plot"`
}

// Parse decodes one page payload. A well-formed page with zero entries
// is valid; a payload without the expected envelope is a parse error.
func (p *TitleSearch) Parse(payload []byte, page int, sourceURL string, scrapedAt time.Time) (crawler.ParseResult, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return crawler.ParseResult{}, fmt.Errorf("decode page %d payload: %w", page, err)
	}
	if len(env.Errors) > 0 {
		return crawler.ParseResult{}, fmt.Errorf("page %d query error: %s", page, env.Errors[0].Message)
	}
	search := env.Data.AdvancedTitleSearch
	if search == nil {
		return crawler.ParseResult{}, fmt.Errorf("page %d payload missing title search envelope", page)
	}

	result := crawler.ParseResult{
		Records:   make([]crawler.Record, 0, len(search.Edges)),
		HasMore:   search.PageInfo.HasNextPage,
		EndCursor: search.PageInfo.EndCursor,
	}
	for _, edge := range search.Edges {
		rec, err := toRecord(edge.Node.Title, page, sourceURL, scrapedAt)
		if err != nil {
			return crawler.ParseResult{}, fmt.Errorf("page %d: %w", page, err)
		}
		result.Records = append(result.Records, rec)
	}
	return result, nil
}

func toRecord(node titleNode, page int, sourceURL string, scrapedAt time.Time) (crawler.Record, error) {
	rec := crawler.Record{
		TitleID:       node.ID,
		Title:         node.TitleText.Text,
		OriginalTitle: node.OriginalTitleText.Text,
		TitleType:     node.TitleType.ID,
		Page:          page,
		SourceURL:     sourceURL,
		ScrapedAtUTC:  scrapedAt.UTC(),
	}

	if node.ReleaseYear != nil && node.ReleaseYear.Year > 0 {
		year := strconv.Itoa(node.ReleaseYear.Year)
		rec.Year = &year
	}
	if rs := node.RatingsSummary; rs != nil {
		if rs.AggregateRating != nil {
			rating := strconv.FormatFloat(*rs.AggregateRating, 'f', 1, 64)
			rec.Rating = &rating
		}
		rec.VoteCount = rs.VoteCount
	}
	if node.Runtime != nil && node.Runtime.Seconds > 0 {
		secs := node.Runtime.Seconds
		rec.RuntimeSeconds = &secs
	}
	if node.TitleGenres != nil {
		for _, g := range node.TitleGenres.Genres {
			if g.Genre.Text != "" {
				rec.Genres = append(rec.Genres, g.Genre.Text)
			}
		}
	}
	if node.Plot != nil && node.Plot.PlotText != nil {
		rec.Plot = node.Plot.PlotText.PlainText
	}

	if err := rec.Validate(); err != nil {
		return crawler.Record{}, fmt.Errorf("invalid record %q: %w", node.ID, err)
	}
	return rec, nil
}

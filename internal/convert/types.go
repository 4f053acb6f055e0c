package convert

import (
	"errors"
	"net/http"
	"time"

	"github.com/JakeFAU/readability-server/internal/readability"
)

var (
	// ErrMissingURL means the request named no page.
	ErrMissingURL = errors.New("convert: url is required")
	// ErrInvalidURL means the page address is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("convert: invalid url")
	// ErrNoContent means the page was fetched and parsed but holds no article.
	ErrNoContent = errors.New("convert: no readable content")
	// ErrUpstreamTimeout means the page could not be downloaded in time.
	ErrUpstreamTimeout = errors.New("convert: upstream request timed out")
	// ErrBlockedDomain means the page's host is on the configured blocklist.
	ErrBlockedDomain = errors.New("convert: domain is blocked")
	// ErrBlockedByRobots means robots.txt disallows fetching the page.
	ErrBlockedByRobots = errors.New("convert: blocked by robots.txt")
)

// Outcome labels how a conversion ended in logs, records and metrics.
type Outcome string

// Conversion outcomes.
const (
	OutcomeConverted       Outcome = "converted"
	OutcomeEmpty           Outcome = "empty"
	OutcomeUpstreamTimeout Outcome = "upstream_timeout"
	OutcomeFetchFailed     Outcome = "fetch_failed"
	OutcomeParseTimeout    Outcome = "parse_timeout"
	OutcomeUnavailable     Outcome = "unavailable"
	OutcomeFailed          Outcome = "failed"
	OutcomeBlocked         Outcome = "blocked"
)

// Request asks for one page to be converted.
type Request struct {
	URL string
	// Force skips the readerable pre-check.
	Force bool
}

// FetchResponse is the downloaded page.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Conversion is a successfully extracted page.
type Conversion struct {
	ID          string
	URL         string
	FinalURL    string
	StatusCode  int
	ContentHash string
	BlobURI     string
	Article     readability.Article
	FetchedAt   time.Time
	FetchTime   time.Duration
	QueueTime   time.Duration
	ParseTime   time.Duration
}

// Record is one conversion log row, written for every attempt that reached the fetch.
type Record struct {
	ID          string
	URL         string
	FinalURL    string
	StatusCode  int
	ContentHash string
	BlobURI     string
	Outcome     Outcome
	Error       string
	Title       string
	TextLength  int
	Forced      bool
	RequestedAt time.Time
	FetchMillis int64
	ParseMillis int64
}

// Event is the payload published for each successful conversion.
type Event struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	FinalURL    string `json:"final_url"`
	Title       string `json:"title"`
	Length      int    `json:"length"`
	ContentHash string `json:"hash"`
	BlobURI     string `json:"blob_uri,omitempty"`
	Timestamp   string `json:"timestamp"`
}

package convert

import (
	"context"
	"io"
	"time"

	"github.com/JakeFAU/readability-server/internal/dispatcher"
)

// Fetcher downloads the page to convert.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Dispatcher runs the extraction off the request goroutine, in an isolated worker.
type Dispatcher interface {
	Submit(ctx context.Context, opts dispatcher.TaskOptions, args ...any) (*dispatcher.Future, error)
}

// BlobStore archives fetched pages and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// ConversionLog persists one row per conversion attempt.
type ConversionLog interface {
	RecordConversion(ctx context.Context, record Record) error
}

// Publisher pushes conversion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests of fetched bodies.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces conversion IDs.
type IDGenerator interface {
	NewID() (string, error)
}

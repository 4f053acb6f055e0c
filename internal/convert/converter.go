// Package convert implements the conversion pipeline: fetch a page, archive it, extract its
// article in the worker pool, then record and announce the result.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/readability-server/internal/dispatcher"
	"github.com/JakeFAU/readability-server/internal/metrics"
	"github.com/JakeFAU/readability-server/internal/readability"
)

// sideEffectTimeout bounds the record and publish calls, which outlive a cancelled request.
const sideEffectTimeout = 5 * time.Second

// Config controls Converter behavior.
type Config struct {
	// TaskTimeout bounds one extraction in the pool; zero uses the pool default.
	TaskTimeout time.Duration
	ContentType string
	BlobPrefix  string
	Topic       string
	// BlockedDomains lists hosts never fetched: exact names or "*.example.com" suffixes.
	BlockedDomains []string
}

// Converter runs conversions. It is safe for concurrent use.
type Converter struct {
	fetcher   Fetcher
	pool      Dispatcher
	blobStore BlobStore
	log       ConversionLog
	publisher Publisher
	hasher    Hasher
	clock     Clock
	ids       IDGenerator
	cfg       Config
	blocked   *domainBlocklist
	logger    *zap.Logger
}

// New constructs a Converter. blobStore, log and publisher are optional.
func New(
	fetcher Fetcher,
	pool Dispatcher,
	blobStore BlobStore,
	log ConversionLog,
	publisher Publisher,
	hasher Hasher,
	clock Clock,
	ids IDGenerator,
	cfg Config,
	logger *zap.Logger,
) (*Converter, error) {
	switch {
	case fetcher == nil:
		return nil, errors.New("convert: fetcher is required")
	case pool == nil:
		return nil, errors.New("convert: dispatcher is required")
	case hasher == nil:
		return nil, errors.New("convert: hasher is required")
	case clock == nil:
		return nil, errors.New("convert: clock is required")
	case ids == nil:
		return nil, errors.New("convert: id generator is required")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Converter{
		fetcher:   fetcher,
		pool:      pool,
		blobStore: blobStore,
		log:       log,
		publisher: publisher,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		blocked:   newDomainBlocklist(cfg.BlockedDomains),
		logger:    logger,
	}, nil
}

// Convert fetches req.URL and extracts its article. Failures are reported with the package
// sentinels (ErrMissingURL, ErrInvalidURL, ErrBlockedDomain, ErrNoContent, ErrUpstreamTimeout,
// ErrBlockedByRobots)
// or the dispatcher's (dispatcher.ErrTimeout, dispatcher.ErrQueueFull, ...), wrapped.
func (c *Converter) Convert(ctx context.Context, req Request) (Conversion, error) {
	target, err := ValidateURL(req.URL)
	if err != nil {
		return Conversion{}, err
	}
	if u, _ := url.Parse(target); c.blocked.IsBlocked(u.Hostname()) {
		metrics.ObserveConversion(string(OutcomeBlocked))
		return Conversion{}, fmt.Errorf("%w: %s", ErrBlockedDomain, u.Hostname())
	}
	id, err := c.ids.NewID()
	if err != nil {
		return Conversion{}, fmt.Errorf("generate conversion id: %w", err)
	}

	record := Record{
		ID:          id,
		URL:         target,
		Forced:      req.Force,
		RequestedAt: c.clock.Now(),
	}
	conv, outcome, err := c.run(ctx, target, req.Force, &record)
	record.Outcome = outcome
	if err != nil {
		record.Error = err.Error()
	}
	metrics.ObserveConversion(string(outcome))
	c.record(ctx, record)

	if err != nil {
		c.logger.Warn("conversion failed",
			zap.String("conversion_id", id),
			zap.String("url", target),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
		return Conversion{}, err
	}
	conv.ID = id
	c.publish(ctx, conv)
	c.logger.Info("page converted",
		zap.String("conversion_id", id),
		zap.String("url", target),
		zap.String("title", conv.Article.Title),
		zap.Int("length", conv.Article.Length),
		zap.Duration("fetch_time", conv.FetchTime),
		zap.Duration("queue_time", conv.QueueTime),
		zap.Duration("parse_time", conv.ParseTime),
	)
	return conv, nil
}

func (c *Converter) run(ctx context.Context, target string, force bool, record *Record) (Conversion, Outcome, error) {
	resp, err := c.fetcher.Fetch(ctx, target)
	if err != nil {
		if errors.Is(err, ErrUpstreamTimeout) {
			return Conversion{}, OutcomeUpstreamTimeout, fmt.Errorf("fetch %s: %w", target, err)
		}
		return Conversion{}, OutcomeFetchFailed, fmt.Errorf("fetch %s: %w", target, err)
	}
	finalURL := resp.URL
	if finalURL == "" {
		finalURL = target
	}
	record.FinalURL = finalURL
	record.StatusCode = resp.StatusCode
	record.FetchMillis = resp.Duration.Milliseconds()

	hash, uri := c.archive(ctx, record.ID, resp.Body)
	record.ContentHash = hash
	record.BlobURI = uri

	fut, err := c.pool.Submit(ctx, dispatcher.TaskOptions{Timeout: c.cfg.TaskTimeout}, string(resp.Body), finalURL, force)
	if err != nil {
		return Conversion{}, classifyPoolError(err), fmt.Errorf("submit extraction: %w", err)
	}
	res, err := fut.Await(ctx)
	if err != nil {
		return Conversion{}, classifyPoolError(err), fmt.Errorf("extract %s: %w", finalURL, err)
	}
	record.ParseMillis = res.Ran.Milliseconds()
	if res.Empty() {
		return Conversion{}, OutcomeEmpty, ErrNoContent
	}
	var article readability.Article
	if err := res.Decode(&article); err != nil {
		return Conversion{}, OutcomeFailed, err
	}
	record.Title = article.Title
	record.TextLength = article.Length

	return Conversion{
		URL:         target,
		FinalURL:    finalURL,
		StatusCode:  resp.StatusCode,
		ContentHash: hash,
		BlobURI:     uri,
		Article:     article,
		FetchedAt:   record.RequestedAt,
		FetchTime:   resp.Duration,
		QueueTime:   res.Waited,
		ParseTime:   res.Ran,
	}, OutcomeConverted, nil
}

// archive hashes and stores the fetched body. A failure only costs the archive copy.
func (c *Converter) archive(ctx context.Context, id string, body []byte) (string, string) {
	hash, err := c.hasher.Hash(body)
	if err != nil {
		c.logger.Warn("hash body failed", zap.String("conversion_id", id), zap.Error(err))
		return "", ""
	}
	if c.blobStore == nil {
		return hash, ""
	}
	uri, err := c.blobStore.PutObject(ctx, c.buildBlobPath(hash), c.cfg.ContentType, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("archive page failed", zap.String("conversion_id", id), zap.Error(err))
		return hash, ""
	}
	return hash, uri
}

func (c *Converter) buildBlobPath(hash string) string {
	prefix := strings.Trim(c.cfg.BlobPrefix, "/")
	if prefix == "" {
		return hash + ".html"
	}
	return fmt.Sprintf("%s/%s.html", prefix, hash)
}

func (c *Converter) record(ctx context.Context, record Record) {
	if c.log == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := c.log.RecordConversion(ctx, record); err != nil {
		c.logger.Error("record conversion failed", zap.String("conversion_id", record.ID), zap.Error(err))
	}
}

func (c *Converter) publish(ctx context.Context, conv Conversion) {
	if c.cfg.Topic == "" || c.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	event := Event{
		ID:          conv.ID,
		URL:         conv.URL,
		FinalURL:    conv.FinalURL,
		Title:       conv.Article.Title,
		Length:      conv.Article.Length,
		ContentHash: conv.ContentHash,
		BlobURI:     conv.BlobURI,
		Timestamp:   c.clock.Now().Format(time.RFC3339),
	}
	msgID, err := c.publisher.Publish(ctx, c.cfg.Topic, event)
	if err != nil {
		c.logger.Error("publish conversion failed", zap.String("conversion_id", conv.ID), zap.Error(err))
		return
	}
	c.logger.Debug("conversion published",
		zap.String("conversion_id", conv.ID),
		zap.String("message_id", msgID),
		zap.String("topic", c.cfg.Topic),
	)
}

// ValidateURL trims raw and checks it is an absolute http(s) URL.
func ValidateURL(raw string) (string, error) {
	target := strings.TrimSpace(raw)
	if target == "" {
		return "", ErrMissingURL
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidURL, target)
	}
	return target, nil
}

func classifyPoolError(err error) Outcome {
	switch {
	case errors.Is(err, dispatcher.ErrTimeout):
		return OutcomeParseTimeout
	case errors.Is(err, dispatcher.ErrQueueFull),
		errors.Is(err, dispatcher.ErrNoWorkers),
		errors.Is(err, dispatcher.ErrClosed),
		errors.Is(err, dispatcher.ErrShutdown):
		return OutcomeUnavailable
	}
	return OutcomeFailed
}

// IsUnavailable reports whether err means the pool could not take or finish the work.
func IsUnavailable(err error) bool {
	return classifyPoolError(err) == OutcomeUnavailable
}

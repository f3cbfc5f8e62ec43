// Package poller turns the speaker's "latest N" / "before timestamp T"
// conversation feed into a lossless, duplicate-free, oldest-unseen-first
// stream of new messages.
package poller

import (
	"context"
	"log/slog"

	"github.com/ilyakh/mispeaker/pkg/models"
)

// FetchFunc fetches one feed page, newest first. before > 0 requests
// records older than that timestamp; the boundary record itself may be
// echoed back and is skipped by the poller.
type FetchFunc func(ctx context.Context, limit int, before int64) ([]models.Message, error)

// FilterFunc decides whether a record is a delivery candidate. Filtered
// records never advance the cursor.
type FilterFunc func(models.Message) bool

const (
	// defaultPageSize is the page size for the backward walk.
	defaultPageSize = 10
	// defaultMaxPages bounds the backward walk so a huge backlog never
	// blocks delivery. A tunable safety valve, not a protocol limit.
	defaultMaxPages = 3
	// probeLimit is how many records the per-tick freshness probe asks for.
	probeLimit = 2
)

// Config configures a Poller.
type Config struct {
	Fetch    FetchFunc
	Filter   FilterFunc // nil accepts everything
	PageSize int        // 0 means defaultPageSize
	MaxPages int        // 0 means defaultMaxPages
	Logger   *slog.Logger
}

// Poller holds the cursor state. It is single-writer: all fields are
// touched exclusively by the goroutine calling Next.
type Poller struct {
	fetch    FetchFunc
	filter   FilterFunc
	pageSize int
	maxPages int
	logger   *slog.Logger

	cursor       int64
	bootstrapped bool
	pending      []models.Message // stack, newest first; delivered from the tail
}

// New creates a poller over a fetch function.
func New(cfg Config) *Poller {
	p := &Poller{
		fetch:    cfg.Fetch,
		filter:   cfg.Filter,
		pageSize: cfg.PageSize,
		maxPages: cfg.MaxPages,
		logger:   cfg.Logger.With("component", "poller"),
	}
	if p.filter == nil {
		p.filter = func(models.Message) bool { return true }
	}
	if p.pageSize <= 0 {
		p.pageSize = defaultPageSize
	}
	if p.maxPages <= 0 {
		p.maxPages = defaultMaxPages
	}
	return p
}

// Cursor returns the watermark timestamp of the newest delivered (or
// bootstrapped) message.
func (p *Poller) Cursor() int64 {
	return p.cursor
}

// Reset rewinds the poller to an unbootstrapped state. The next fetch
// re-seeds the watermark without delivering.
func (p *Poller) Reset() {
	p.cursor = 0
	p.bootstrapped = false
	p.pending = nil
}

// Next runs one poll tick and returns at most one new message, in strict
// chronological order. ok is false when there is nothing new this tick;
// fetch failures are logged and also surface as "nothing new".
func (p *Poller) Next(ctx context.Context) (models.Message, bool) {
	if msg, ok := p.pop(); ok {
		return msg, true
	}

	page, err := p.fetch(ctx, probeLimit, 0)
	if err != nil {
		p.logger.Warn("fetch failed, skipping tick", "error", err)
		return models.Message{}, false
	}

	if !p.bootstrapped {
		// The first page only establishes the watermark: pre-existing
		// history must never replay as new.
		p.bootstrapped = true
		if len(page) > 0 {
			p.cursor = page[0].Timestamp
			p.logger.Debug("bootstrapped cursor", "timestamp", p.cursor)
		}
		return models.Message{}, false
	}

	fresh := newerThan(page, p.cursor)
	switch {
	case len(fresh) == 0:
		return models.Message{}, false
	case len(fresh) == 1:
		// The 2nd-newest record is already seen, so this one record is
		// everything new. No backlog walk needed.
		msg := fresh[0]
		if !p.filter(msg) {
			return models.Message{}, false
		}
		p.cursor = msg.Timestamp
		return msg, true
	}

	// At least two new records: there may be more not yet fetched. Buffer
	// what we have and walk backward in pages until we reach history.
	boundary := fresh[len(fresh)-1].Timestamp
	for _, msg := range fresh {
		if p.filter(msg) {
			p.pending = append(p.pending, msg)
		}
	}
	p.backfill(ctx, boundary)

	return p.pop()
}

// backfill pages backward from boundary toward the cursor, pushing new
// records onto the pending stack. Bounded by maxPages: when the bound is
// exhausted before reaching history, what is buffered is delivered anyway.
func (p *Poller) backfill(ctx context.Context, boundary int64) {
	for pages := 0; pages < p.maxPages; pages++ {
		page, err := p.fetch(ctx, p.pageSize, boundary)
		if err != nil {
			p.logger.Warn("backfill fetch failed, delivering buffered messages", "error", err)
			return
		}
		if len(page) == 0 {
			return
		}

		for _, msg := range page {
			if msg.Timestamp == boundary {
				// Duplicate boundary record echoed by the "before" query.
				continue
			}
			if msg.Timestamp <= p.cursor {
				// Historical watermark reached.
				return
			}
			if p.filter(msg) {
				p.pending = append(p.pending, msg)
			}
		}

		next := page[len(page)-1].Timestamp
		if next >= boundary {
			// No progress; the feed is not moving backward.
			return
		}
		boundary = next

		if len(page) < p.pageSize {
			return
		}
	}
	p.logger.Warn("backfill page bound exhausted, possible gap before buffered messages",
		"max_pages", p.maxPages, "cursor", p.cursor)
}

// pop delivers the oldest pending message and advances the cursor to it.
// Entries at or behind the watermark are dropped, so a record fetched twice
// under the same timestamp is still delivered exactly once.
func (p *Poller) pop() (models.Message, bool) {
	for len(p.pending) > 0 {
		last := len(p.pending) - 1
		msg := p.pending[last]
		p.pending = p.pending[:last]
		if msg.Timestamp <= p.cursor {
			continue
		}
		p.cursor = msg.Timestamp
		return msg, true
	}
	return models.Message{}, false
}

// newerThan keeps records strictly newer than the watermark, preserving
// newest-first order.
func newerThan(page []models.Message, cursor int64) []models.Message {
	var out []models.Message
	for _, msg := range page {
		if msg.Timestamp > cursor {
			out = append(out, msg)
		}
	}
	return out
}

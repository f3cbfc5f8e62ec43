package poller

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyakh/mispeaker/pkg/models"
)

// feed simulates the vendor conversation API: newest-first pages with
// exclusive-but-echoing "before" semantics, plus a fetch counter.
type feed struct {
	messages []models.Message // oldest first, as the vendor accumulates them
	fetches  int
}

func (f *feed) push(ts int64, text string) {
	f.messages = append(f.messages, models.Message{
		Text: text, Answer: "ok", Timestamp: ts, RequestID: fmt.Sprintf("r%d", ts),
	})
}

func (f *feed) fetch(_ context.Context, limit int, before int64) ([]models.Message, error) {
	f.fetches++
	var out []models.Message
	for i := len(f.messages) - 1; i >= 0 && len(out) < limit; i-- {
		msg := f.messages[i]
		if before > 0 && msg.Timestamp > before {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func newTestPoller(f *feed, filter FilterFunc) *Poller {
	return New(Config{
		Fetch:  f.fetch,
		Filter: filter,
		Logger: slog.Default(),
	})
}

// drain runs ticks until n consecutive empty ticks, returning deliveries.
func drain(t *testing.T, p *Poller, ticks int) []models.Message {
	t.Helper()
	var out []models.Message
	for i := 0; i < ticks; i++ {
		if msg, ok := p.Next(context.Background()); ok {
			out = append(out, msg)
		}
	}
	return out
}

func TestBootstrapDoesNotDeliver(t *testing.T) {
	f := &feed{}
	f.push(100, "pre-existing")
	f.push(200, "also pre-existing")

	p := newTestPoller(f, nil)
	_, ok := p.Next(context.Background())

	assert.False(t, ok)
	assert.Equal(t, int64(200), p.Cursor())

	// Nothing new: later ticks stay silent.
	_, ok = p.Next(context.Background())
	assert.False(t, ok)
}

func TestIdempotentWhenNoNewData(t *testing.T) {
	f := &feed{}
	f.push(100, "old")

	p := newTestPoller(f, nil)
	p.Next(context.Background()) // bootstrap
	cursor := p.Cursor()

	for i := 0; i < 5; i++ {
		_, ok := p.Next(context.Background())
		assert.False(t, ok)
	}
	assert.Equal(t, cursor, p.Cursor())
}

func TestSingleNewMessageFastPath(t *testing.T) {
	f := &feed{}
	f.push(100, "old")
	p := newTestPoller(f, nil)
	p.Next(context.Background()) // bootstrap

	f.push(200, "hello")
	fetchesBefore := f.fetches

	msg, ok := p.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, int64(200), p.Cursor())
	// One probe fetch, no backward walk.
	assert.Equal(t, fetchesBefore+1, f.fetches)
}

func TestDeliversInOrderExactlyOnce(t *testing.T) {
	f := &feed{}
	f.push(100, "old")
	p := newTestPoller(f, nil)
	p.Next(context.Background()) // bootstrap

	for ts := int64(101); ts <= 105; ts++ {
		f.push(ts, fmt.Sprintf("msg-%d", ts))
	}

	delivered := drain(t, p, 20)
	require.Len(t, delivered, 5)
	var prev int64 = 100
	for i, msg := range delivered {
		assert.Equal(t, fmt.Sprintf("msg-%d", 101+int64(i)), msg.Text)
		assert.Greater(t, msg.Timestamp, prev)
		prev = msg.Timestamp
	}
}

func TestBacklogDrainedWithinPageBound(t *testing.T) {
	f := &feed{}
	f.push(1, "seed")
	p := newTestPoller(f, nil)
	p.Next(context.Background()) // bootstrap at ts=1

	// 25 new messages, page size 10: the backward walk must need at most
	// 3 page fetches on the first tick.
	for ts := int64(10); ts < 35; ts++ {
		f.push(ts, fmt.Sprintf("msg-%d", ts))
	}

	fetchesBefore := f.fetches
	first, ok := p.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "msg-10", first.Text)
	// 1 probe + at most 3 backfill pages.
	assert.LessOrEqual(t, f.fetches-fetchesBefore, 4)

	rest := drain(t, p, 30)
	require.Len(t, rest, 24)
	assert.Equal(t, "msg-34", rest[len(rest)-1].Text)
	assert.Equal(t, int64(34), p.Cursor())
}

func TestBoundaryDuplicateSkipped(t *testing.T) {
	f := &feed{}
	f.push(1, "seed")
	p := newTestPoller(f, nil)
	p.Next(context.Background())

	for ts := int64(10); ts < 15; ts++ {
		f.push(ts, fmt.Sprintf("msg-%d", ts))
	}

	delivered := drain(t, p, 15)
	require.Len(t, delivered, 5)
	seen := map[int64]bool{}
	for _, msg := range delivered {
		assert.False(t, seen[msg.Timestamp], "timestamp %d delivered twice", msg.Timestamp)
		seen[msg.Timestamp] = true
	}
}

func TestFilteredRecordsNeverDeliveredNorAdvanceCursor(t *testing.T) {
	f := &feed{}
	f.push(1, "seed")
	noSkip := func(msg models.Message) bool { return msg.Text != "skip me" }
	p := newTestPoller(f, noSkip)
	p.Next(context.Background())

	f.push(10, "keep one")
	f.push(11, "skip me")
	f.push(12, "keep two")

	delivered := drain(t, p, 10)
	require.Len(t, delivered, 2)
	assert.Equal(t, "keep one", delivered[0].Text)
	assert.Equal(t, "keep two", delivered[1].Text)
	// The cursor only ever points at delivered messages.
	assert.Equal(t, int64(12), p.Cursor())
}

func TestFetchErrorIsATickWithNoData(t *testing.T) {
	calls := 0
	fetch := func(context.Context, int, int64) ([]models.Message, error) {
		calls++
		return nil, fmt.Errorf("boom")
	}
	p := New(Config{Fetch: fetch, Logger: slog.Default()})

	_, ok := p.Next(context.Background())
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
}

func TestPageBoundStopsRunawayBacklog(t *testing.T) {
	f := &feed{}
	f.push(1, "seed")
	p := New(Config{Fetch: f.fetch, PageSize: 5, MaxPages: 2, Logger: slog.Default()})
	p.Next(context.Background())

	// 40 new messages with a 2x5 walk bound: the first tick must deliver
	// something buffered instead of blocking on the full backlog.
	for ts := int64(10); ts < 50; ts++ {
		f.push(ts, fmt.Sprintf("msg-%d", ts))
	}

	_, ok := p.Next(context.Background())
	assert.True(t, ok)
}

func TestResetRebootstraps(t *testing.T) {
	f := &feed{}
	f.push(100, "old")
	p := newTestPoller(f, nil)
	p.Next(context.Background())
	require.Equal(t, int64(100), p.Cursor())

	f.push(200, "newer")
	p.Reset()

	// After reset the next fetch re-seeds the watermark silently.
	_, ok := p.Next(context.Background())
	assert.False(t, ok)
	assert.Equal(t, int64(200), p.Cursor())
}

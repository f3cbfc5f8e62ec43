// Package speaker drives the speaker: it pulls new voice commands from the
// poller on a heartbeat, asks the AI for an answer and plays it back.
package speaker

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ilyakh/mispeaker/internal/micloud"
	"github.com/ilyakh/mispeaker/pkg/models"
)

// AskFunc produces an answer for a user message. The LLM behind it is a
// black box to this package.
type AskFunc func(ctx context.Context, msg models.Message) (string, error)

// Player is the playback surface of the voice-assistant channel.
type Player interface {
	Stop(ctx context.Context) (bool, error)
	PlayTTS(ctx context.Context, text string) (bool, error)
	PlayURL(ctx context.Context, audioURL string) (bool, error)
	PlayStatus(ctx context.Context) (*micloud.PlayerStatus, error)
}

// Source yields at most one new message per tick.
type Source interface {
	Next(ctx context.Context) (models.Message, bool)
}

// Config configures a Speaker.
type Config struct {
	Player Player
	Source Source
	Ask    AskFunc

	// WakeUp re-arms the speaker's listening state after an answer when
	// KeepAlive is set. Optional.
	WakeUp    func(ctx context.Context) error
	KeepAlive bool

	// Heartbeat is the poll interval; also the playback wait granularity.
	Heartbeat time.Duration

	// TTSURL, when set, is an external TTS endpoint prefix the answer text
	// is appended to; otherwise the speaker's own voice is used.
	TTSURL string

	// OnAsking and OnError are filler phrases spoken while the AI thinks
	// and when it fails.
	OnAsking []string
	OnError  []string

	Logger *slog.Logger
}

// Speaker is the orchestrator. Poller state is only ever touched from the
// Run goroutine; answer pipelines run fire-and-forget and abort themselves
// when a newer message supersedes them.
type Speaker struct {
	player    Player
	source    Source
	ask       AskFunc
	wakeUp    func(ctx context.Context) error
	keepAlive bool
	heartbeat time.Duration
	ttsURL    string
	onAsking  []string
	onError   []string
	logger    *slog.Logger

	current    atomic.Int64 // timestamp of the latest dispatched message
	answering  atomic.Bool  // a response pipeline is speaking
	lastSpoken atomic.Value // string: last text sent to playback
}

// New creates a speaker orchestrator.
func New(cfg Config) *Speaker {
	s := &Speaker{
		player:    cfg.Player,
		source:    cfg.Source,
		ask:       cfg.Ask,
		wakeUp:    cfg.WakeUp,
		keepAlive: cfg.KeepAlive,
		heartbeat: cfg.Heartbeat,
		ttsURL:    cfg.TTSURL,
		onAsking:  cfg.OnAsking,
		onError:   cfg.OnError,
		logger:    cfg.Logger.With("component", "speaker"),
	}
	if s.heartbeat <= 0 {
		s.heartbeat = time.Second
	}
	if len(s.onError) == 0 {
		s.onError = []string{"Something went wrong, please try again later."}
	}
	return s
}

// Filter is the poller candidacy predicate: empty queries are skipped, and
// while an answer is playing, the speaker's own audio picked up by the
// microphone is suppressed.
func (s *Speaker) Filter(msg models.Message) bool {
	if strings.TrimSpace(msg.Text) == "" {
		return false
	}
	if s.answering.Load() {
		last, _ := s.lastSpoken.Load().(string)
		if last != "" && normalize(msg.Text) == normalize(last) {
			return false
		}
	}
	return true
}

// Run polls for new messages until the context is cancelled. Message
// processing is dispatched without blocking the next tick's fetch.
func (s *Speaker) Run(ctx context.Context) error {
	s.logger.Info("speaker loop started", "heartbeat", s.heartbeat)
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("speaker loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}

		msg, ok := s.source.Next(ctx)
		if !ok {
			continue
		}
		s.logger.Info("new voice command", "text", msg.Text, "timestamp", msg.Timestamp)
		s.current.Store(msg.Timestamp)
		go s.answer(ctx, msg)
	}
}

// superseded reports whether a newer message has arrived since gen was
// captured. Pipelines check it at every step boundary; downstream playback
// has no cancel primitive, so cancellation is cooperative only.
func (s *Speaker) superseded(gen int64) bool {
	return s.current.Load() != gen
}

// answer runs the response pipeline for one message.
func (s *Speaker) answer(ctx context.Context, msg models.Message) {
	gen := msg.Timestamp

	// Cut off whatever the speaker is currently saying.
	if _, err := s.player.Stop(ctx); err != nil {
		s.logger.Warn("failed to stop playback", "error", err)
	}
	if s.superseded(gen) {
		return
	}

	if len(s.onAsking) > 0 {
		s.speak(ctx, pickOne(s.onAsking), gen)
		if s.superseded(gen) {
			return
		}
	}

	reply, err := s.ask(ctx, msg)
	if s.superseded(gen) {
		return
	}
	if err != nil || reply == "" {
		if err != nil {
			s.logger.Error("ask failed", "error", err, "text", msg.Text)
		}
		s.speak(ctx, pickOne(s.onError), gen)
		return
	}

	s.speak(ctx, reply, gen)
}

// speak plays text and waits for playback to finish, then optionally
// re-arms the listening state.
func (s *Speaker) speak(ctx context.Context, text string, gen int64) {
	s.answering.Store(true)
	defer s.answering.Store(false)
	s.lastSpoken.Store(text)

	var ok bool
	var err error
	if s.ttsURL != "" {
		ok, err = s.player.PlayURL(ctx, s.ttsURL+url.QueryEscape(text))
	} else {
		ok, err = s.player.PlayTTS(ctx, text)
	}
	if err != nil || !ok {
		s.logger.Warn("playback request failed", "error", err)
		return
	}

	s.waitPlayback(ctx, gen)

	if s.keepAlive && s.wakeUp != nil && !s.superseded(gen) {
		if err := s.wakeUp(ctx); err != nil {
			s.logger.Warn("wake up failed", "error", err)
		}
	}
}

// waitPlayback polls the player until it reports a non-playing state.
func (s *Speaker) waitPlayback(ctx context.Context, gen int64) {
	for {
		status, err := s.player.PlayStatus(ctx)
		if err == nil && status.State != micloud.PlayerPlaying && status.State != micloud.PlayerLoading {
			return
		}
		if s.superseded(gen) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.heartbeat):
		}
	}
}

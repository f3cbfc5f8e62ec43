package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"

	"github.com/ilyakh/mispeaker/internal/config"
	"github.com/ilyakh/mispeaker/internal/database"
	"github.com/ilyakh/mispeaker/internal/micloud"
	"github.com/ilyakh/mispeaker/internal/poller"
	"github.com/ilyakh/mispeaker/internal/speaker"
	"github.com/ilyakh/mispeaker/internal/telegram"
	"github.com/ilyakh/mispeaker/pkg/models"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logger
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting mi speaker bridge")

	// Connect to database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Create notifier (optional)
	var notifier *telegram.Notifier
	if cfg.TelegramEnabled() {
		notifier, err = telegram.NewNotifier(cfg.TelegramToken, cfg.TelegramChatID, logger)
		if err != nil {
			logger.Error("failed to create telegram notifier", "error", err)
			os.Exit(1)
		}
		logger.Info("telegram notifications enabled", "chat_id", cfg.TelegramChatID)
	}

	store := database.NewAccountStore(db)
	auth := micloud.NewAuthClient("", logger)
	deviceID := newDeviceID()

	// Voice-assistant session (device list, playback, conversation feed)
	minaSession := buildSession(ctx, models.SIDMiCo, deviceID, cfg, auth, store, logger)
	mina := micloud.NewMiNA(minaSession, "", "", logger)
	minaSession.SetDeviceLister(mina.DeviceLister())

	// Device-control session (wake-up action)
	miioSession := buildSession(ctx, models.SIDMiIO, deviceID, cfg, auth, store, logger)
	miio := micloud.NewMiIO(miioSession, micloud.MiIOBaseURL(cfg.MiRegion), logger)

	if err := ensureSession(ctx, minaSession, notifier, logger); err != nil {
		os.Exit(1)
	}
	if err := ensureSession(ctx, miioSession, notifier, logger); err != nil {
		os.Exit(1)
	}

	// Speaker and poller reference each other: the poller's candidacy
	// filter reads the speaker's playback state.
	var sp *speaker.Speaker

	feed := poller.New(poller.Config{
		Fetch: func(ctx context.Context, limit int, before int64) ([]models.Message, error) {
			page, err := mina.Conversations(ctx, limit, before)
			if err != nil {
				return nil, err
			}
			messages := make([]models.Message, 0, len(page.Records))
			for i := range page.Records {
				messages = append(messages, page.Records[i].Message())
			}
			return messages, nil
		},
		Filter: func(msg models.Message) bool {
			return sp.Filter(msg)
		},
		PageSize: cfg.PollPageSize,
		MaxPages: cfg.PollMaxPages,
		Logger:   logger,
	})

	if cfg.AnswerURL == "" {
		logger.Warn("ANSWER_URL not set, voice commands will get the error phrase")
	}

	sp = speaker.New(speaker.Config{
		Player: mina,
		Source: feed,
		Ask:    newAskFunc(cfg.AnswerURL),
		WakeUp: func(ctx context.Context) error {
			account, _ := minaSession.Snapshot()
			if account.Device == nil || account.Device.MiotDID == "" {
				return nil
			}
			return miio.Action(ctx, account.Device.MiotDID, 5, 3, nil)
		},
		KeepAlive: cfg.KeepAlive,
		Heartbeat: cfg.Heartbeat,
		TTSURL:    cfg.TTSURL,
		OnAsking:  cfg.OnAsking,
		OnError:   cfg.OnError,
		Logger:    logger,
	})

	// Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("bridge is running, press Ctrl+C to stop")
	if err := sp.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("speaker loop failed", "error", err)
		os.Exit(1)
	}
	logger.Info("bridge stopped")
}

// buildSession assembles a session for one service scope, restoring cached
// credentials from the database when present.
func buildSession(ctx context.Context, sid models.ServiceID, deviceID string, cfg *config.Config, auth *micloud.AuthClient, store *database.AccountStore, logger *slog.Logger) *micloud.Session {
	account := models.Account{
		SID:      sid,
		DeviceID: deviceID,
		UserID:   cfg.MiUser,
		Password: cfg.MiPass,
		DID:      cfg.MiDID,
	}
	if err := store.Load(ctx, &account); err != nil {
		logger.Warn("failed to load cached credentials", "sid", sid, "error", err)
	}
	session := micloud.NewSession(account, auth, logger)
	session.SetStore(store)
	return session
}

// ensureSession authenticates a session and routes terminal failures to the
// operator. Verification outcomes are never retried here: they need manual
// action first.
func ensureSession(ctx context.Context, session *micloud.Session, notifier *telegram.Notifier, logger *slog.Logger) error {
	err := session.Ensure(ctx)
	if err == nil {
		return nil
	}

	var verr *micloud.VerificationError
	if errors.As(err, &verr) {
		logger.Error("login requires human verification", "url", verr.URL)
		notifier.VerificationRequired(ctx, verr.URL)
		return err
	}
	logger.Error("failed to establish session", "error", err)
	notifier.SessionError(ctx, err)
	return err
}

// newDeviceID generates a fresh client device identifier; it is persisted
// with the credentials so the account service sees a stable client.
func newDeviceID() string {
	return "wb_" + uuid.NewString()
}

func setupLogger(level, format string) *slog.Logger {
	var handler slog.Handler
	logLevel := parseLevel(level)

	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: logLevel,
		})
	} else {
		// Pretty colored output for console
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.DateTime,
			NoColor:    false,
		})
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

package micloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ilyakh/mispeaker/pkg/models"
)

const (
	defaultMiNABaseURL    = "https://api2.mina.mi.com"
	defaultProfileBaseURL = "https://userprofile.mina.mi.com"

	minaUserAgent = "MICO/AndroidApp/@SHIP.TO.2A2FE0D7@/2.4.40"

	// The conversation feed only answers the speaker companion webview.
	conversationUserAgent = "Mozilla/5.0 (Linux; Android 10; 000; wv) AppleWebKit/537.36 (KHTML, like Gecko) Version/4.0 Chrome/119.0.6045.193 Mobile Safari/537.36 /XiaoMi/HybridView/ micoSoundboxApp/i appVersion/A_2.4.40"
	conversationReferer   = "https://userprofile.mina.mi.com/dialogue-note/index.html"
)

// PlayerState is a normalized media player state.
type PlayerState string

const (
	PlayerIdle    PlayerState = "idle"
	PlayerPlaying PlayerState = "playing"
	PlayerPaused  PlayerState = "paused"
	PlayerLoading PlayerState = "loading"
	PlayerUnknown PlayerState = "unknown"
)

var playerStates = map[int]PlayerState{
	0: PlayerIdle,
	1: PlayerPlaying,
	2: PlayerPaused,
	3: PlayerLoading,
}

// PlayerStatus is the speaker's media player status.
type PlayerStatus struct {
	State  PlayerState
	Volume int
}

// MiNA calls the plain signed voice-assistant channel: device list, ubus
// player/TTS commands and the conversation feed.
type MiNA struct {
	httpClient *http.Client
	baseURL    string
	profileURL string
	session    *Session
	logger     *slog.Logger
}

// NewMiNA creates a voice-assistant client. Base URLs are overridable for
// tests; empty strings select the production hosts.
func NewMiNA(session *Session, baseURL, profileURL string, logger *slog.Logger) *MiNA {
	if baseURL == "" {
		baseURL = defaultMiNABaseURL
	}
	if profileURL == "" {
		profileURL = defaultProfileBaseURL
	}
	return &MiNA{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		profileURL: profileURL,
		session:    session,
		logger:     logger.With("component", "mina"),
	}
}

// DeviceLister returns a lister bound to this client's endpoint, suitable
// for Session.SetDeviceLister. It never re-enters the session.
func (c *MiNA) DeviceLister() DeviceLister {
	return func(ctx context.Context, account models.Account) ([]models.Device, error) {
		return fetchDeviceList(ctx, c.httpClient, c.baseURL, account)
	}
}

// fetchDeviceList fetches /admin/v2/device_list with explicit credentials.
func fetchDeviceList(ctx context.Context, hc *http.Client, baseURL string, account models.Account) ([]models.Device, error) {
	raw, err := minaCall(ctx, hc, baseURL, http.MethodGet, "/admin/v2/device_list", account, nil)
	if err != nil {
		return nil, err
	}
	var devices []models.Device
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, fmt.Errorf("unexpected device list: %w", ErrCallFailed)
	}
	return devices, nil
}

// minaCall issues one voice-assistant request. Every request carries a
// fresh request id and an integer timestamp alongside the session cookies.
func minaCall(ctx context.Context, hc *http.Client, baseURL, method, path string, account models.Account, data map[string]any) (json.RawMessage, error) {
	form := make(map[string]any, len(data)+2)
	for k, v := range data {
		form[k] = v
	}
	form["requestId"] = uuid.NewString()
	form["timestamp"] = time.Now().Unix()

	var req *http.Request
	var err error
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, http.MethodGet,
			baseURL+path+"?"+EncodeQuery(form), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost,
			baseURL+path, strings.NewReader(EncodeQuery(form)))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", minaUserAgent)
	req.Header.Set("Cookie", minaCookies(account))

	return decodeMinaResponse(hc, req, path)
}

// minaCookies builds the cookie header; device cookies are attached once a
// device profile has been resolved.
func minaCookies(account models.Account) string {
	cookie := fmt.Sprintf("userId=%s; serviceToken=%s", account.UserID, account.ServiceToken)
	if d := account.Device; d != nil {
		cookie += fmt.Sprintf("; sn=%s; hardware=%s; deviceId=%s; deviceSNProfile=%s",
			d.SerialNumber, d.Hardware, d.DeviceID, d.DeviceSNProfile)
	}
	return cookie
}

func decodeMinaResponse(hc *http.Client, req *http.Request, path string) (json.RawMessage, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthorized
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var env struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%s: non-json response: %w", path, ErrCallFailed)
	}
	if env.Code == 401 {
		return nil, ErrUnauthorized
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("%s: code %d %s: %w", path, env.Code, env.Message, ErrCallFailed)
	}
	return env.Data, nil
}

// call wraps minaCall with one transparent re-authentication.
func (c *MiNA) call(ctx context.Context, method, path string, data map[string]any) (json.RawMessage, error) {
	account, gen := c.session.Snapshot()
	raw, err := minaCall(ctx, c.httpClient, c.baseURL, method, path, account, data)
	if errors.Is(err, ErrUnauthorized) {
		if rerr := c.session.Refresh(ctx, gen); rerr != nil {
			return nil, rerr
		}
		account, _ = c.session.Snapshot()
		raw, err = minaCall(ctx, c.httpClient, c.baseURL, method, path, account, data)
	}
	return raw, err
}

type ubusResult struct {
	Code int    `json:"code"`
	Info string `json:"info"`
}

// ubus sends a command to the speaker through the remote ubus bridge.
func (c *MiNA) ubus(ctx context.Context, scope, command string, message any) (*ubusResult, error) {
	account, _ := c.session.Snapshot()
	if account.Device == nil {
		return nil, fmt.Errorf("no resolved device: %w", ErrDeviceNotFound)
	}
	msg, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode ubus message: %w", err)
	}
	raw, err := c.call(ctx, http.MethodPost, "/remote/ubus", map[string]any{
		"deviceId": account.Device.DeviceID,
		"path":     scope,
		"method":   command,
		"message":  string(msg),
	})
	if err != nil {
		return nil, err
	}
	var res ubusResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("unexpected ubus result: %w", ErrCallFailed)
	}
	return &res, nil
}

// DeviceList returns the account's speakers.
func (c *MiNA) DeviceList(ctx context.Context) ([]models.Device, error) {
	raw, err := c.call(ctx, http.MethodGet, "/admin/v2/device_list", nil)
	if err != nil {
		return nil, err
	}
	var devices []models.Device
	if err := json.Unmarshal(raw, &devices); err != nil {
		return nil, fmt.Errorf("unexpected device list: %w", ErrCallFailed)
	}
	return devices, nil
}

// PlayTTS speaks text with the speaker's own voice.
func (c *MiNA) PlayTTS(ctx context.Context, text string) (bool, error) {
	res, err := c.ubus(ctx, "mibrain", "text_to_speech", map[string]any{
		"text": text,
		"save": 0,
	})
	if err != nil {
		return false, err
	}
	return res.Code == 0, nil
}

// PlayURL streams an audio URL on the speaker.
func (c *MiNA) PlayURL(ctx context.Context, audioURL string) (bool, error) {
	res, err := c.ubus(ctx, "mediaplayer", "player_play_url", map[string]any{
		"url":  audioURL,
		"type": 1,
	})
	if err != nil {
		return false, err
	}
	return res.Code == 0, nil
}

func (c *MiNA) playOperation(ctx context.Context, action string) (bool, error) {
	res, err := c.ubus(ctx, "mediaplayer", "player_play_operation", map[string]any{
		"action": action,
	})
	if err != nil {
		return false, err
	}
	return res.Code == 0, nil
}

// Play resumes playback.
func (c *MiNA) Play(ctx context.Context) (bool, error) { return c.playOperation(ctx, "play") }

// Pause pauses playback.
func (c *MiNA) Pause(ctx context.Context) (bool, error) { return c.playOperation(ctx, "pause") }

// Stop stops playback, interrupting the speaker's own answer.
func (c *MiNA) Stop(ctx context.Context) (bool, error) { return c.playOperation(ctx, "stop") }

// PlayStatus reads the media player state.
func (c *MiNA) PlayStatus(ctx context.Context) (*PlayerStatus, error) {
	res, err := c.ubus(ctx, "mediaplayer", "player_get_play_status", map[string]any{})
	if err != nil {
		return nil, err
	}
	if res.Code != 0 || res.Info == "" {
		return nil, fmt.Errorf("player status unavailable: %w", ErrCallFailed)
	}
	var info struct {
		Status int `json:"status"`
		Volume int `json:"volume"`
	}
	if err := json.Unmarshal([]byte(res.Info), &info); err != nil {
		return nil, fmt.Errorf("unexpected player status: %w", ErrCallFailed)
	}
	state, ok := playerStates[info.Status]
	if !ok {
		state = PlayerUnknown
	}
	return &PlayerStatus{State: state, Volume: info.Volume}, nil
}

// SetVolume sets the speaker volume, clamped to 0..100.
func (c *MiNA) SetVolume(ctx context.Context, volume int) (bool, error) {
	if volume < 0 {
		volume = 0
	} else if volume > 100 {
		volume = 100
	}
	res, err := c.ubus(ctx, "mediaplayer", "player_set_volume", map[string]any{
		"volume": volume,
	})
	if err != nil {
		return false, err
	}
	return res.Code == 0, nil
}

// GetVolume reads the current volume.
func (c *MiNA) GetVolume(ctx context.Context) (int, error) {
	status, err := c.PlayStatus(ctx)
	if err != nil {
		return 0, err
	}
	return status.Volume, nil
}

// Conversations fetches one feed page, newest first. before > 0 requests
// records strictly older than that timestamp (exclusive).
func (c *MiNA) Conversations(ctx context.Context, limit int, before int64) (*models.Conversations, error) {
	account, gen := c.session.Snapshot()
	raw, err := c.fetchConversations(ctx, account, limit, before)
	if errors.Is(err, ErrUnauthorized) {
		if rerr := c.session.Refresh(ctx, gen); rerr != nil {
			return nil, rerr
		}
		account, _ = c.session.Snapshot()
		raw, err = c.fetchConversations(ctx, account, limit, before)
	}
	if err != nil {
		return nil, err
	}

	// The feed double-encodes: data is a JSON string holding the page.
	var page models.Conversations
	if err := json.Unmarshal(raw, &page); err != nil {
		var inner string
		if err2 := json.Unmarshal(raw, &inner); err2 != nil {
			return nil, fmt.Errorf("unexpected conversation page: %w", ErrCallFailed)
		}
		if err2 := json.Unmarshal([]byte(inner), &page); err2 != nil {
			return nil, fmt.Errorf("unexpected conversation page: %w", ErrCallFailed)
		}
	}
	return &page, nil
}

func (c *MiNA) fetchConversations(ctx context.Context, account models.Account, limit int, before int64) (json.RawMessage, error) {
	if account.Device == nil {
		return nil, fmt.Errorf("no resolved device: %w", ErrDeviceNotFound)
	}

	params := url.Values{}
	params.Set("limit", fmt.Sprintf("%d", limit))
	params.Set("requestId", uuid.NewString())
	params.Set("source", "dialogu")
	params.Set("hardware", account.Device.Hardware)
	if before > 0 {
		params.Set("timestamp", fmt.Sprintf("%d", before))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.profileURL+"/device_profile/v2/conversation?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", conversationUserAgent)
	req.Header.Set("Referer", conversationReferer)
	req.Header.Set("Cookie", fmt.Sprintf("userId=%s; serviceToken=%s; deviceId=%s",
		account.UserID, account.ServiceToken, account.Device.DeviceID))

	return decodeMinaResponse(c.httpClient, req, "/device_profile/v2/conversation")
}

package micloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ilyakh/mispeaker/pkg/models"
)

const (
	// The device-control service silently rejects other agents.
	miioUserAgent = "iOS-14.4-6.0.103-iPhone12,3--D7744744F7AF32F0544445285880DD63E47D9BE9-8816080-84A3F44E137B71AE-iPhone"

	homeRPCAccessKey = "IOS00026747c5acafc2"
)

// MiIOBaseURL returns the device-control endpoint for a region ("cn" or
// empty selects the default host).
func MiIOBaseURL(region string) string {
	prefix := ""
	if region != "" && region != "cn" {
		prefix = region + "."
	}
	return fmt.Sprintf("https://%sapi.io.mi.com/app", prefix)
}

// MiIO calls the encrypted device-control RPC channel. It is stateless
// apart from the session it reads credentials from.
type MiIO struct {
	httpClient *http.Client
	baseURL    string
	session    *Session
	logger     *slog.Logger
}

// NewMiIO creates a device-control client. baseURL is overridable for
// tests; empty selects the cn production host.
func NewMiIO(session *Session, baseURL string, logger *slog.Logger) *MiIO {
	if baseURL == "" {
		baseURL = MiIOBaseURL("cn")
	}
	return &MiIO{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		session:    session,
		logger:     logger.With("component", "miio"),
	}
}

type miioEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// call performs one encrypted RPC with a single transparent
// re-authentication on authorization failure.
func (c *MiIO) call(ctx context.Context, uri string, data any) (json.RawMessage, error) {
	account, gen := c.session.Snapshot()
	out, err := c.doCall(ctx, account, uri, data)
	if errors.Is(err, ErrUnauthorized) {
		if rerr := c.session.Refresh(ctx, gen); rerr != nil {
			return nil, rerr
		}
		account, _ = c.session.Snapshot()
		out, err = c.doCall(ctx, account, uri, data)
	}
	return out, err
}

func (c *MiIO) doCall(ctx context.Context, account models.Account, uri string, data any) (json.RawMessage, error) {
	fields, err := EncryptRPC(http.MethodPost, uri, data, account.SSecurity)
	if err != nil {
		return nil, err
	}
	nonce := fields["_nonce"]

	form := make(map[string]any, len(fields))
	for k, v := range fields {
		form[k] = v
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+uri, strings.NewReader(EncodeQuery(form)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", miioUserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("x-xiaomi-protocal-flag-cli", "PROTOCAL-HTTP2")
	req.Header.Set("miot-accept-encoding", "GZIP")
	req.Header.Set("miot-encrypt-algorithm", "ENCRYPT-RC4")
	req.Header.Set("Cookie", fmt.Sprintf(
		`PassportDeviceId=%s; serviceToken="%s"; userId=%s`,
		account.DeviceID, account.ServiceToken, account.UserID))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthorized
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read rpc response: %w", err)
	}

	plain, err := DecryptRPC(account.SSecurity, nonce, strings.TrimSpace(string(body)),
		resp.Header.Get("Miot-Content-Encoding") == "GZIP")
	if err != nil {
		c.logger.Debug("undecryptable rpc response", "uri", uri, "error", err)
		return nil, fmt.Errorf("%s: %w", uri, ErrCallFailed)
	}

	var env miioEnvelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, fmt.Errorf("%s: non-json response: %w", uri, ErrCallFailed)
	}
	if env.Code == 401 {
		return nil, ErrUnauthorized
	}
	if env.Code != 0 {
		c.logger.Debug("rpc call failed", "uri", uri, "code", env.Code, "message", env.Message)
		return nil, fmt.Errorf("%s: code %d: %w", uri, env.Code, ErrCallFailed)
	}
	return env.Result, nil
}

// homeRPC calls the legacy per-device rpc endpoint.
func (c *MiIO) homeRPC(ctx context.Context, did, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, "/home/rpc/"+did, map[string]any{
		"id":        1,
		"method":    method,
		"accessKey": homeRPCAccessKey,
		"params":    params,
	})
}

// miotSpec calls a miotspec endpoint (prop/get, prop/set, action).
func (c *MiIO) miotSpec(ctx context.Context, cmd string, params any) (json.RawMessage, error) {
	return c.call(ctx, "/miotspec/"+cmd, map[string]any{
		"params":     params,
		"datasource": 3,
	})
}

// GetHomeProps reads legacy properties by name.
func (c *MiIO) GetHomeProps(ctx context.Context, did string, props []string) ([]any, error) {
	raw, err := c.homeRPC(ctx, did, "get_prop", props)
	if err != nil {
		return nil, err
	}
	var out []any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unexpected get_prop result: %w", ErrCallFailed)
	}
	return out, nil
}

// SetHomeProp writes one legacy property.
func (c *MiIO) SetHomeProp(ctx context.Context, did, prop string, value any) error {
	values, ok := value.([]any)
	if !ok {
		values = []any{value}
	}
	_, err := c.homeRPC(ctx, did, "set_"+prop, values)
	return err
}

type specProp struct {
	DID   string `json:"did"`
	SIID  int    `json:"siid"`
	PIID  int    `json:"piid"`
	Value any    `json:"value,omitempty"`
}

// GetProps reads miot-spec properties addressed by (siid, piid) pairs.
func (c *MiIO) GetProps(ctx context.Context, did string, iids [][2]int) ([]any, error) {
	params := make([]specProp, len(iids))
	for i, iid := range iids {
		params[i] = specProp{DID: did, SIID: iid[0], PIID: iid[1]}
	}
	raw, err := c.miotSpec(ctx, "prop/get", params)
	if err != nil {
		return nil, err
	}
	var results []struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("unexpected prop/get result: %w", ErrCallFailed)
	}
	values := make([]any, len(results))
	for i, r := range results {
		values[i] = r.Value
	}
	return values, nil
}

// SetProp writes one miot-spec property.
func (c *MiIO) SetProp(ctx context.Context, did string, siid, piid int, value any) error {
	_, err := c.miotSpec(ctx, "prop/set", []specProp{
		{DID: did, SIID: siid, PIID: piid, Value: value},
	})
	return err
}

// Action invokes a miot-spec action, e.g. (5, 3) wakes the speaker.
func (c *MiIO) Action(ctx context.Context, did string, siid, aiid int, args []any) error {
	if args == nil {
		args = []any{}
	}
	_, err := c.miotSpec(ctx, "action", map[string]any{
		"did":  did,
		"siid": siid,
		"aiid": aiid,
		"in":   args,
	})
	return err
}

// Devices returns the raw home device list.
func (c *MiIO) Devices(ctx context.Context) (json.RawMessage, error) {
	raw, err := c.call(ctx, "/home/getDevices", map[string]any{
		"getVirtualModel": false,
		"getHuamiDevices": 0,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		List json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unexpected getDevices result: %w", ErrCallFailed)
	}
	return out.List, nil
}

package micloud

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakh/mispeaker/pkg/models"
)

const (
	defaultAccountBaseURL = "https://account.xiaomi.com"

	// The account service rejects requests without this exact agent.
	loginUserAgent = "APP/com.xiaomi.mihome APPV/6.0.103 iosPassportSDK/3.9.0 iOS/14.4 miHSTS"
)

// looseString decodes either a JSON string or a bare number. The login
// responses mix both for the same fields across handshake steps.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	*s = looseString(b)
	return nil
}

// loginResponse is the shared shape of serviceLogin and serviceLoginAuth2
// responses, after prefix stripping and wide-integer quoting.
type loginResponse struct {
	Code            int         `json:"code"`
	Desc            string      `json:"desc"`
	QS              string      `json:"qs"`
	SID             string      `json:"sid"`
	Sign            string      `json:"_sign"`
	Callback        string      `json:"callback"`
	Location        string      `json:"location"`
	Nonce           looseString `json:"nonce"`
	SSecurity       string      `json:"ssecurity"`
	UserID          looseString `json:"userId"`
	PassToken       string      `json:"passToken"`
	CaptchaURL      string      `json:"captchaUrl"`
	NotificationURL string      `json:"notificationUrl"`
}

// AuthClient performs the multi-step account login handshake.
type AuthClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewAuthClient creates an auth client against the vendor account service.
// baseURL is overridable for tests; empty selects the production host.
func NewAuthClient(baseURL string, logger *slog.Logger) *AuthClient {
	if baseURL == "" {
		baseURL = defaultAccountBaseURL
	}
	return &AuthClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		logger:     logger.With("component", "auth"),
	}
}

// Login runs the handshake and merges the resulting session credentials
// into the account. The account's prior passToken, if any, is offered first
// so a still-valid session skips the credential-bearing step.
func (c *AuthClient) Login(ctx context.Context, account *models.Account) error {
	resp, err := c.serviceLogin(ctx, account)
	if err != nil {
		return err
	}

	if resp.Code != 0 {
		resp, err = c.serviceLoginAuth(ctx, account, resp)
		if err != nil {
			return err
		}
	}

	if resp.Location == "" || resp.Nonce == "" || resp.SSecurity == "" {
		return fmt.Errorf("login response missing ticket fields: %w", ErrInvalidCredentials)
	}

	serviceToken, err := c.securityToken(ctx, resp.Location, string(resp.Nonce), resp.SSecurity)
	if err != nil {
		return err
	}

	if resp.UserID != "" {
		account.UserID = string(resp.UserID)
	}
	account.PassToken = resp.PassToken
	account.SSecurity = resp.SSecurity
	account.ServiceToken = serviceToken
	c.logger.Info("login succeeded", "sid", account.SID, "user_id", account.UserID)
	return nil
}

// serviceLogin is step 1: probe the existing session for the target scope.
func (c *AuthClient) serviceLogin(ctx context.Context, account *models.Account) (*loginResponse, error) {
	u := fmt.Sprintf("%s/pass/serviceLogin?sid=%s&_json=true", c.baseURL, account.SID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", loginUserAgent)

	cookie := fmt.Sprintf("deviceId=%s; sdkVersion=3.9", account.DeviceID)
	if account.UserID != "" && account.PassToken != "" {
		cookie += fmt.Sprintf("; userId=%s; passToken=%s", account.UserID, account.PassToken)
	}
	req.Header.Set("Cookie", cookie)

	return c.doLogin(req)
}

// serviceLoginAuth is step 2: the credential-bearing request, echoing the
// login ticket fields from step 1.
func (c *AuthClient) serviceLoginAuth(ctx context.Context, account *models.Account, prev *loginResponse) (*loginResponse, error) {
	form := EncodeQuery(map[string]any{
		"_json":    "true",
		"qs":       prev.QS,
		"sid":      prev.SID,
		"_sign":    prev.Sign,
		"callback": prev.Callback,
		"user":     account.UserID,
		"hash":     hashPassword(account.Password),
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/pass/serviceLoginAuth2", strings.NewReader(form))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", loginUserAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", fmt.Sprintf(
		"deviceId=%s; pass_ua=web; sdkVersion=3.9; uLocale=zh_CN", account.DeviceID))

	resp, err := c.doLogin(req)
	if err != nil {
		return nil, err
	}
	if resp.Code != 0 {
		if v := resp.NotificationURL; v != "" {
			return nil, &VerificationError{URL: v}
		}
		if v := resp.CaptchaURL; v != "" {
			return nil, &VerificationError{URL: v}
		}
		return nil, fmt.Errorf("%s: %w", resp.Desc, ErrInvalidCredentials)
	}
	return resp, nil
}

// securityToken is the final step: exchange the redirect location plus signed nonce
// for a serviceToken, delivered via Set-Cookie. Redirects are not followed
// so the cookie on the first response is not lost.
func (c *AuthClient) securityToken(ctx context.Context, location, nonce, ssecurity string) (string, error) {
	clientSign := signClientNonce(nonce, ssecurity)
	u := location + "&clientSign=" + url.QueryEscape(clientSign)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	client := *c.httpClient
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("security token request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	for _, cookie := range resp.Cookies() {
		if cookie.Name == "serviceToken" {
			return cookie.Value, nil
		}
	}
	return "", ErrNoServiceToken
}

// doLogin issues the request and decodes the prefixed, precision-unsafe
// JSON body the account service responds with.
func (c *AuthClient) doLogin(req *http.Request) (*loginResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read login response: %w", err)
	}

	var out loginResponse
	if err := json.Unmarshal([]byte(NormalizeLoginBody(string(body))), &out); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}
	return &out, nil
}

// hashPassword is the one-way password hash the credential step expects.
func hashPassword(password string) string {
	sum := md5.Sum([]byte(password))
	return strings.ToUpper(fmt.Sprintf("%x", sum))
}

// signClientNonce computes clientSign = base64(sha1("nonce=<n>&<ssecurity>")).
func signClientNonce(nonce, ssecurity string) string {
	sum := sha1.Sum([]byte("nonce=" + nonce + "&" + ssecurity))
	return base64.StdEncoding.EncodeToString(sum[:])
}

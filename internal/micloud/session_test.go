package micloud

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilyakh/mispeaker/pkg/models"
)

// newMinaServer serves the device list, accepting only the given token.
func newMinaServer(t *testing.T, acceptToken string, hits *int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/v2/device_list", func(w http.ResponseWriter, r *http.Request) {
		*hits++
		cookie, err := r.Cookie("serviceToken")
		if err != nil || cookie.Value != acceptToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"code":0,"data":[{"deviceID":"d-1","name":"Living Room","alias":"tv room","hardware":"LX06","serialNumber":"sn1","presence":"online","miotDID":"md-1"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func staleAccount() models.Account {
	return models.Account{
		SID:          models.SIDMiCo,
		DeviceID:     "wb_test",
		UserID:       "100001",
		Password:     "hunter2",
		PassToken:    "old-pt",
		SSecurity:    "old-sec",
		ServiceToken: "stale-token",
	}
}

func TestExpiredSessionRefreshedExactlyOnce(t *testing.T) {
	authSrv := newAuthServer(t)
	authSrv.serviceLoginBody = authSrv.okBody() // issues token-123
	authSrv.stsCookie = true

	var listHits int
	minaSrv := newMinaServer(t, "token-123", &listHits)

	session := NewSession(staleAccount(), NewAuthClient(authSrv.URL, slog.Default()), slog.Default())
	mina := NewMiNA(session, minaSrv.URL, "", slog.Default())

	devices, err := mina.DeviceList(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "d-1", devices[0].DeviceID)

	// One failed call, one re-auth, one retried call.
	assert.Equal(t, 1, authSrv.loginHits)
	assert.Equal(t, 2, listHits)

	account, _ := session.Snapshot()
	assert.Equal(t, "token-123", account.ServiceToken)
}

func TestSecondAuthFailureIsSurfaced(t *testing.T) {
	authSrv := newAuthServer(t)
	authSrv.serviceLoginBody = authSrv.okBody()
	authSrv.stsCookie = true

	var listHits int
	minaSrv := newMinaServer(t, "never-issued", &listHits)

	session := NewSession(staleAccount(), NewAuthClient(authSrv.URL, slog.Default()), slog.Default())
	mina := NewMiNA(session, minaSrv.URL, "", slog.Default())

	_, err := mina.DeviceList(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)

	// Exactly one re-authentication attempt, never a second in a row.
	assert.Equal(t, 1, authSrv.loginHits)
	assert.Equal(t, 2, listHits)
}

func TestRefreshIsSingleFlightPerGeneration(t *testing.T) {
	authSrv := newAuthServer(t)
	authSrv.serviceLoginBody = authSrv.okBody()
	authSrv.stsCookie = true

	session := NewSession(staleAccount(), NewAuthClient(authSrv.URL, slog.Default()), slog.Default())
	_, gen := session.Snapshot()

	require.NoError(t, session.Refresh(context.Background(), gen))
	// A caller holding the old generation must not trigger a second login.
	require.NoError(t, session.Refresh(context.Background(), gen))

	assert.Equal(t, 1, authSrv.loginHits)
}

func TestEnsureResolvesConfiguredDevice(t *testing.T) {
	authSrv := newAuthServer(t)
	authSrv.serviceLoginBody = authSrv.okBody()
	authSrv.stsCookie = true

	var listHits int
	minaSrv := newMinaServer(t, "token-123", &listHits)

	account := testAccount()
	account.DID = "tv room" // matches by alias

	session := NewSession(account, NewAuthClient(authSrv.URL, slog.Default()), slog.Default())
	mina := NewMiNA(session, minaSrv.URL, "", slog.Default())
	session.SetDeviceLister(mina.DeviceLister())

	require.NoError(t, session.Ensure(context.Background()))

	got, _ := session.Snapshot()
	require.NotNil(t, got.Device)
	assert.Equal(t, "d-1", got.Device.DeviceID)
	assert.Equal(t, "LX06", got.Device.Hardware)
}

func TestEnsureDeviceNotFoundIsTerminal(t *testing.T) {
	authSrv := newAuthServer(t)
	authSrv.serviceLoginBody = authSrv.okBody()
	authSrv.stsCookie = true

	var listHits int
	minaSrv := newMinaServer(t, "token-123", &listHits)

	account := testAccount()
	account.DID = "no such speaker"

	session := NewSession(account, NewAuthClient(authSrv.URL, slog.Default()), slog.Default())
	mina := NewMiNA(session, minaSrv.URL, "", slog.Default())
	session.SetDeviceLister(mina.DeviceLister())

	err := session.Ensure(context.Background())
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

type saveRecorder struct {
	saved []models.Account
}

func (s *saveRecorder) Save(_ context.Context, account *models.Account) error {
	s.saved = append(s.saved, *account)
	return nil
}

func TestSuccessfulHandshakePersistsCredentials(t *testing.T) {
	authSrv := newAuthServer(t)
	authSrv.serviceLoginBody = authSrv.okBody()
	authSrv.stsCookie = true

	store := &saveRecorder{}
	session := NewSession(testAccount(), NewAuthClient(authSrv.URL, slog.Default()), slog.Default())
	session.SetStore(store)

	require.NoError(t, session.Ensure(context.Background()))

	require.Len(t, store.saved, 1)
	assert.Equal(t, "token-123", store.saved[0].ServiceToken)
	assert.True(t, store.saved[0].HasSession())
}

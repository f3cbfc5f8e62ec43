package micloud

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSSecurity = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))

func TestEncryptDecryptRoundTrip(t *testing.T) {
	payload := map[string]any{
		"id":     1,
		"method": "get_prop",
		"params": []string{"volume"},
	}

	fields, err := EncryptRPC("POST", "/home/rpc/123", payload, testSSecurity)
	require.NoError(t, err)

	require.NotEmpty(t, fields["_nonce"])
	require.NotEmpty(t, fields["signature"])
	require.NotEmpty(t, fields["rc4_hash__"])
	assert.Equal(t, testSSecurity, fields["ssecurity"])

	// The encrypted body must be valid base64 and decrypt back to the
	// JSON encoding of the payload.
	plain, err := DecryptRPC(testSSecurity, fields["_nonce"], fields["data"], false)
	require.NoError(t, err)

	want, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, string(want), string(plain))
}

func TestSignatureCoversEncryptedFields(t *testing.T) {
	fields, err := EncryptRPC("POST", "/miotspec/action", map[string]any{"did": "1"}, testSSecurity)
	require.NoError(t, err)

	snonce, err := SignNonce(testSSecurity, fields["_nonce"])
	require.NoError(t, err)

	signed := map[string]string{
		"data":       fields["data"],
		"rc4_hash__": fields["rc4_hash__"],
	}
	assert.Equal(t, fields["signature"], SignRequest("POST", "/miotspec/action", signed, snonce))

	// Tampering with any signed field must invalidate the signature.
	signed["data"] = base64.StdEncoding.EncodeToString([]byte("tampered"))
	assert.NotEqual(t, fields["signature"], SignRequest("POST", "/miotspec/action", signed, snonce))
}

func TestEncryptRPCFreshNoncePerRequest(t *testing.T) {
	a, err := EncryptRPC("POST", "/x", map[string]any{"k": "v"}, testSSecurity)
	require.NoError(t, err)
	b, err := EncryptRPC("POST", "/x", map[string]any{"k": "v"}, testSSecurity)
	require.NoError(t, err)

	assert.NotEqual(t, a["_nonce"], b["_nonce"])
	assert.NotEqual(t, a["data"], b["data"])
}

func TestSignNonceDeterministic(t *testing.T) {
	nonce, err := RandomNonce()
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(nonce)
	require.NoError(t, err)
	assert.Len(t, raw, 12)

	a, err := SignNonce(testSSecurity, nonce)
	require.NoError(t, err)
	b, err := SignNonce(testSSecurity, nonce)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	key, err := base64.StdEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestSignNonceRejectsBadInput(t *testing.T) {
	_, err := SignNonce("not base64!!!", "AAAA")
	assert.Error(t, err)
}

func TestNormalizeLoginBody(t *testing.T) {
	raw := `&&&START&&&{"code":0,"userId":123456789012345678,"nonce":98765432109876543,"ssecurity":"abc"}`
	normalized := NormalizeLoginBody(raw)

	var out struct {
		Code      int    `json:"code"`
		UserID    string `json:"userId"`
		Nonce     string `json:"nonce"`
		SSecurity string `json:"ssecurity"`
	}
	require.NoError(t, json.Unmarshal([]byte(normalized), &out))

	// Wide integers must survive as exact strings, not float64 approximations.
	assert.Equal(t, "123456789012345678", out.UserID)
	assert.Equal(t, "98765432109876543", out.Nonce)
	assert.Equal(t, "abc", out.SSecurity)
}

func TestNormalizeLoginBodyLeavesNarrowIntsAlone(t *testing.T) {
	raw := `&&&START&&&{"code":70016,"desc":"bad"}`
	var out struct {
		Code int    `json:"code"`
		Desc string `json:"desc"`
	}
	require.NoError(t, json.Unmarshal([]byte(NormalizeLoginBody(raw)), &out))
	assert.Equal(t, 70016, out.Code)
}

func TestEncodeQuery(t *testing.T) {
	got := EncodeQuery(map[string]any{
		"b":      "two words",
		"a":      1,
		"nested": map[string]any{"k": "v"},
		"nil":    nil,
	})
	assert.Equal(t, `a=1&b=two+words&nested=%7B%22k%22%3A%22v%22%7D`, got)
}

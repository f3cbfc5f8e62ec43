package micloud

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
)

// loginPrefix is the literal marker the account service prepends to every
// JSON login response.
const loginPrefix = "&&&START&&&"

// wideIntRe matches unquoted integers wide enough to lose precision in a
// float64-based JSON decoder; they are quoted before decoding.
var wideIntRe = regexp.MustCompile(`:(\d{16,})`)

// keystreamDrop is the number of initial RC4 keystream bytes discarded
// before any payload byte is processed, as the vendor protocol requires.
const keystreamDrop = 1024

// RandomNonce returns a fresh per-request nonce: 8 random bytes followed by
// the current epoch minute as a big-endian uint32, base64-encoded.
func RandomNonce() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf[:8]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	binary.BigEndian.PutUint32(buf[8:], uint32(time.Now().Unix()/60))
	return base64.StdEncoding.EncodeToString(buf), nil
}

// SignNonce derives the per-request signing key:
// base64(sha256(ssecurity_bytes || nonce_bytes)).
func SignNonce(ssecurity, nonce string) (string, error) {
	sec, err := base64.StdEncoding.DecodeString(ssecurity)
	if err != nil {
		return "", fmt.Errorf("invalid ssecurity: %w", err)
	}
	n, err := base64.StdEncoding.DecodeString(nonce)
	if err != nil {
		return "", fmt.Errorf("invalid nonce: %w", err)
	}
	h := sha256.New()
	h.Write(sec)
	h.Write(n)
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// newPrimedCipher builds an RC4 instance with the weak initial keystream
// bytes already discarded.
func newPrimedCipher(key []byte) (*rc4.Cipher, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	drop := make([]byte, keystreamDrop)
	c.XORKeyStream(drop, drop)
	return c, nil
}

// SignRequest computes the keyed request tag used for both the rc4_hash__
// integrity field and the final signature field:
// base64(sha1(METHOD&uri&k=v&...&signedNonce)) with fields sorted by key.
func SignRequest(method, uri string, fields map[string]string, signedNonce string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(fields)+3)
	parts = append(parts, strings.ToUpper(method), uri)
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	parts = append(parts, signedNonce)

	sum := sha1.Sum([]byte(strings.Join(parts, "&")))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// EncryptRPC frames a device-control request: the JSON body and its
// integrity tag are RC4-encrypted with a key derived from ssecurity and a
// fresh nonce, then signed. The nonce and ssecurity travel in the clear,
// which the protocol requires.
func EncryptRPC(method, uri string, data any, ssecurity string) (map[string]string, error) {
	nonce, err := RandomNonce()
	if err != nil {
		return nil, err
	}
	return encryptRPC(method, uri, data, ssecurity, nonce)
}

func encryptRPC(method, uri string, data any, ssecurity, nonce string) (map[string]string, error) {
	snonce, err := SignNonce(ssecurity, nonce)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(snonce)
	if err != nil {
		return nil, fmt.Errorf("invalid signed nonce: %w", err)
	}
	cipher, err := newPrimedCipher(key)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}

	fields := map[string]string{"data": string(body)}
	fields["rc4_hash__"] = SignRequest(method, uri, fields, snonce)

	// Field order matters: both fields share one keystream, data first.
	for _, k := range []string{"data", "rc4_hash__"} {
		plain := []byte(fields[k])
		enc := make([]byte, len(plain))
		cipher.XORKeyStream(enc, plain)
		fields[k] = base64.StdEncoding.EncodeToString(enc)
	}

	fields["signature"] = SignRequest(method, uri, fields, snonce)
	fields["_nonce"] = nonce
	fields["ssecurity"] = ssecurity
	return fields, nil
}

// DecryptRPC unwraps an encrypted response body: re-derive the signing key
// from ssecurity and the request nonce, re-prime a fresh cipher, decrypt
// the base64 payload and optionally decompress it.
func DecryptRPC(ssecurity, nonce, body string, compressed bool) ([]byte, error) {
	snonce, err := SignNonce(ssecurity, nonce)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(snonce)
	if err != nil {
		return nil, fmt.Errorf("invalid signed nonce: %w", err)
	}
	cipher, err := newPrimedCipher(key)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("response body is not base64: %w", err)
	}
	plain := make([]byte, len(raw))
	cipher.XORKeyStream(plain, raw)

	if compressed {
		return inflate(plain)
	}
	return plain, nil
}

// inflate decompresses a gzip body, falling back to zlib framing which the
// vendor has been seen to emit under the same header.
func inflate(data []byte) ([]byte, error) {
	if gr, err := gzip.NewReader(bytes.NewReader(data)); err == nil {
		defer gr.Close()
		out, err := io.ReadAll(gr)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress response: %w", err)
		}
		return out, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("response is not gzip or zlib: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress response: %w", err)
	}
	return out, nil
}

// NormalizeLoginBody strips the vendor prefix and quotes wide integers so
// the body can be decoded without precision loss.
func NormalizeLoginBody(raw string) string {
	raw = strings.TrimPrefix(raw, loginPrefix)
	return wideIntRe.ReplaceAllString(raw, `:"$1"`)
}

// EncodeQuery builds an application/x-www-form-urlencoded body. Nested
// values are JSON-encoded first, matching the vendor client.
func EncodeQuery(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		v := data[k]
		if v == nil {
			continue
		}
		var s string
		switch vv := v.(type) {
		case string:
			s = vv
		case fmt.Stringer:
			s = vv.String()
		case int, int32, int64, uint32, uint64:
			s = fmt.Sprintf("%d", vv)
		case bool:
			s = fmt.Sprintf("%t", vv)
		default:
			b, err := json.Marshal(vv)
			if err != nil {
				continue
			}
			s = string(b)
		}
		if sb.Len() > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(s))
	}
	return sb.String()
}

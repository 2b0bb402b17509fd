package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stripeHeader(t *testing.T, body []byte, secret string, at time.Time) string {
	t.Helper()
	ts := fmt.Sprintf("%d", at.Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyStripe_Valid(t *testing.T) {
	body := []byte(`{"id":"evt_1","type":"charge.succeeded"}`)
	now := time.Now()
	header := stripeHeader(t, body, "whsec_test", now)

	require.NoError(t, VerifyStripe(header, body, "whsec_test", now))
}

func TestVerifyStripe_TamperedBody(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	header := stripeHeader(t, body, "whsec_test", now)

	assert.Error(t, VerifyStripe(header, []byte(`{"id":"evt_2"}`), "whsec_test", now))
}

func TestVerifyStripe_TamperedSignature(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	header := stripeHeader(t, body, "whsec_test", now) + "0"

	assert.Error(t, VerifyStripe(header, body, "whsec_test", now))
}

func TestVerifyStripe_ReplayWindow(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	signedAt := time.Now().Add(-6 * time.Minute)
	header := stripeHeader(t, body, "whsec_test", signedAt)

	err := VerifyStripe(header, body, "whsec_test", time.Now())
	assert.ErrorContains(t, err, "tolerance")
}

func TestVerifyStripe_MissingAndMalformed(t *testing.T) {
	body := []byte(`{}`)
	now := time.Now()

	assert.Error(t, VerifyStripe("", body, "s", now))
	assert.Error(t, VerifyStripe("t=123", body, "s", now))
	assert.Error(t, VerifyStripe("v1=abc", body, "s", now))
	assert.Error(t, VerifyStripe("t=notanumber,v1=abc", body, "s", now))
}

func TestVerifyStripe_SecondV1Candidate(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	now := time.Now()
	ts := fmt.Sprintf("%d", now.Unix())
	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	good := hex.EncodeToString(mac.Sum(nil))

	// Key-rotation form: a stale v1 followed by the current one.
	header := fmt.Sprintf("t=%s,v1=%s,v1=%s", ts, hex.EncodeToString(make([]byte, 32)), good)
	require.NoError(t, VerifyStripe(header, body, "whsec_test", now))
}

func squareHeader(url string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(url))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySquare_Valid(t *testing.T) {
	url := "https://example.com/api/v1/webhooks/square?tenant_id=abc"
	body := []byte(`{"type":"payment.updated"}`)
	header := squareHeader(url, body, "sq-secret")

	require.NoError(t, VerifySquare(header, url, body, "sq-secret"))
}

func TestVerifySquare_Tampered(t *testing.T) {
	url := "https://example.com/hook"
	body := []byte(`{"type":"payment.updated"}`)
	header := squareHeader(url, body, "sq-secret")

	assert.Error(t, VerifySquare(header, url, []byte(`{"type":"payment.created"}`), "sq-secret"))
	assert.Error(t, VerifySquare(header, url+"x", body, "sq-secret"))
	assert.Error(t, VerifySquare("", url, body, "sq-secret"))
}

func anetHeader(body []byte, key []byte) string {
	mac := hmac.New(sha512.New, key)
	mac.Write(body)
	return "SHA512=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyAuthorizeNet_RawSecret(t *testing.T) {
	body := []byte(`{"eventType":"net.authorize.payment.authcapture.created"}`)
	header := anetHeader(body, []byte("plain-secret!"))

	require.NoError(t, VerifyAuthorizeNet(header, body, "plain-secret!"))
}

func TestVerifyAuthorizeNet_HexSecret(t *testing.T) {
	body := []byte(`{"eventType":"net.authorize.payment.authcapture.created"}`)
	secretHex := "48656c6c6f5369676e6174757265"
	raw, err := hex.DecodeString(secretHex)
	require.NoError(t, err)
	header := anetHeader(body, raw)

	require.NoError(t, VerifyAuthorizeNet(header, body, secretHex))
}

func TestVerifyAuthorizeNet_CaseInsensitivePrefix(t *testing.T) {
	body := []byte(`{}`)
	header := anetHeader(body, []byte("k"))
	lowered := "sha512=" + header[len("SHA512="):]

	require.NoError(t, VerifyAuthorizeNet(lowered, body, "k"))
}

func TestVerifyAuthorizeNet_Invalid(t *testing.T) {
	body := []byte(`{}`)
	header := anetHeader(body, []byte("k"))

	assert.Error(t, VerifyAuthorizeNet("", body, "k"))
	assert.Error(t, VerifyAuthorizeNet("MD5=abc", body, "k"))
	assert.Error(t, VerifyAuthorizeNet(header, []byte(`{"x":1}`), "k"))
	assert.Error(t, VerifyAuthorizeNet(header, body, "wrong"))
}

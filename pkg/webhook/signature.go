package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// StripeTolerance is the replay window for Stripe signature timestamps.
const StripeTolerance = 5 * time.Minute

// Header names carrying each provider's webhook signature.
const (
	StripeSignatureHeader       = "Stripe-Signature"
	SquareSignatureHeader       = "x-square-hmacsha256-signature"
	AuthorizeNetSignatureHeader = "x-anet-signature"
)

var hexSecretPattern = regexp.MustCompile(`^(?:[0-9a-fA-F]{2})+$`)

// VerifyStripe checks a Stripe-Signature header of the form
// "t=<unix_ts>,v1=<hex_hmac_sha256>". The HMAC covers "{t}.{body}" and the
// timestamp must fall within the replay tolerance of now.
func VerifyStripe(header string, body []byte, secret string, now time.Time) error {
	if header == "" {
		return fmt.Errorf("missing %s header", StripeSignatureHeader)
	}

	var ts string
	var candidates []string
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		switch {
		case strings.HasPrefix(part, "t="):
			ts = part[2:]
		case strings.HasPrefix(part, "v1="):
			candidates = append(candidates, part[3:])
		}
	}
	if ts == "" || len(candidates) == 0 {
		return fmt.Errorf("malformed %s header", StripeSignatureHeader)
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid signature timestamp: %w", err)
	}

	drift := now.Sub(time.Unix(unix, 0))
	if drift < 0 {
		drift = -drift
	}
	if drift > StripeTolerance {
		return fmt.Errorf("signature timestamp outside tolerance window")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(expected), []byte(candidate)) {
			return nil
		}
	}
	return fmt.Errorf("signature mismatch")
}

// VerifySquare checks the x-square-hmacsha256-signature header: a base64
// HMAC-SHA256 over the notification URL concatenated with the raw body.
func VerifySquare(header, requestURL string, body []byte, secret string) error {
	if header == "" {
		return fmt.Errorf("missing %s header", SquareSignatureHeader)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(requestURL))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(header)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

// VerifyAuthorizeNet checks the x-anet-signature header of the form
// "SHA512=<hex>" (prefix case-insensitive): an HMAC-SHA512 over the raw
// body. Authorize.net signature keys are issued hex-encoded; raw secrets
// are also accepted.
func VerifyAuthorizeNet(header string, body []byte, secret string) error {
	if header == "" {
		return fmt.Errorf("missing %s header", AuthorizeNetSignatureHeader)
	}

	const prefix = "sha512="
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return fmt.Errorf("malformed %s header", AuthorizeNetSignatureHeader)
	}
	provided := strings.ToLower(header[len(prefix):])

	key := []byte(secret)
	if hexSecretPattern.MatchString(secret) {
		decoded, err := hex.DecodeString(secret)
		if err == nil {
			key = decoded
		}
	}

	mac := hmac.New(sha512.New, key)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(provided)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

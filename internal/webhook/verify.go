package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/feedbox/billing/internal/gateway/mercadopago"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// Delivery is one inbound webhook request as received.
type Delivery struct {
	Header http.Header
	Query  url.Values
	Body   []byte
}

// Verifier authenticates a delivery before its payload is parsed.
type Verifier interface {
	Verify(d Delivery) error
}

// SharedSecretVerifier compares a header against a configured token.
type SharedSecretVerifier struct {
	Header string
	Secret string
}

func (v SharedSecretVerifier) Verify(d Delivery) error {
	if v.Secret == "" {
		return fmt.Errorf("%w: no token configured", ErrUnauthenticated)
	}
	got := d.Header.Get(v.Header)
	if subtle.ConstantTimeCompare([]byte(got), []byte(v.Secret)) != 1 {
		return fmt.Errorf("%w: token mismatch", ErrUnauthenticated)
	}
	return nil
}

// Signature header names used by SignatureVerifier.
const (
	SignatureHeader = "X-Signature"
	RequestIDHeader = "X-Request-Id"
)

// SignatureVerifier checks an HMAC-SHA256 signature sent as "ts=...,v1=..." over
// the manifest "id:{id};request-id:{request-id};ts:{ts};".
type SignatureVerifier struct {
	Secret string
}

func (v SignatureVerifier) Verify(d Delivery) error {
	if v.Secret == "" {
		return fmt.Errorf("%w: no secret configured", ErrUnauthenticated)
	}
	ts, sig := parseSignatureHeader(d.Header.Get(SignatureHeader))
	if ts == "" || sig == "" {
		return fmt.Errorf("%w: malformed signature header", ErrUnauthenticated)
	}
	id := d.Query.Get("data.id")
	if id == "" {
		id = mercadopago.ResourceID(d.Body)
	}
	expected := Sign(v.Secret, id, d.Header.Get(RequestIDHeader), ts)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return fmt.Errorf("%w: signature mismatch", ErrUnauthenticated)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of the signature manifest. Alphanumeric ids are
// lower-cased before signing.
func Sign(secret, id, requestID, ts string) string {
	manifest := "id:" + strings.ToLower(id) + ";request-id:" + requestID + ";ts:" + ts + ";"
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseSignatureHeader(header string) (ts, v1 string) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	return ts, v1
}

// StripeVerifier checks the Stripe-Signature header.
type StripeVerifier struct {
	Secret string
}

func (v StripeVerifier) Verify(d Delivery) error {
	if v.Secret == "" {
		return fmt.Errorf("%w: no secret configured", ErrUnauthenticated)
	}
	_, err := stripewebhook.ConstructEventWithOptions(d.Body, d.Header.Get("Stripe-Signature"), v.Secret, stripewebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return nil
}

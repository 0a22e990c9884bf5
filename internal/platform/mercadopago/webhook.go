package mercadopago

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// SignatureVerifier checks the x-signature header of Mercado Pago notifications.
type SignatureVerifier struct {
	secret string
	// tolerance bounds the age of the signed timestamp; zero disables the check.
	tolerance time.Duration
	now       func() time.Time
}

// NewSignatureVerifier creates a verifier for the webhook secret of the application.
func NewSignatureVerifier(secret string, tolerance time.Duration, now func() time.Time) *SignatureVerifier {
	if now == nil {
		now = time.Now
	}
	return &SignatureVerifier{secret: secret, tolerance: tolerance, now: now}
}

// Verify validates the x-signature header.
//
// The header has the form ts=<timestamp>,v1=<signature>, where the signature
// is HMAC-SHA256 of id:<data.id>;request-id:<x-request-id>;ts:<timestamp>;
func (v *SignatureVerifier) Verify(xSignature, xRequestID, dataID string) bool {
	if xSignature == "" || v.secret == "" {
		return false
	}
	ts, hash := parseSignatureHeader(xSignature)
	if ts == "" || hash == "" {
		return false
	}
	if v.tolerance > 0 && !v.fresh(ts) {
		return false
	}

	expected := Sign(v.secret, manifest(dataID, xRequestID, ts))
	return hmac.Equal([]byte(hash), []byte(expected))
}

// fresh reports whether ts, in milliseconds since the epoch, is within tolerance.
func (v *SignatureVerifier) fresh(ts string) bool {
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := v.now().Sub(time.UnixMilli(ms))
	if age < 0 {
		age = -age
	}
	return age <= v.tolerance
}

func parseSignatureHeader(header string) (ts, hash string) {
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = val
		case "v1":
			hash = val
		}
	}
	return ts, hash
}

// manifest builds the signed string. Mercado Pago lowercases alphanumeric data ids.
func manifest(dataID, requestID, ts string) string {
	var parts []string
	if dataID != "" {
		parts = append(parts, "id:"+strings.ToLower(dataID))
	}
	if requestID != "" {
		parts = append(parts, "request-id:"+requestID)
	}
	if ts != "" {
		parts = append(parts, "ts:"+ts)
	}
	return strings.Join(parts, ";") + ";"
}

// Sign returns the hex HMAC-SHA256 of manifest.
func Sign(secret, manifest string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(manifest))
	return hex.EncodeToString(h.Sum(nil))
}

// SignatureHeader builds an x-signature value, as Mercado Pago does, for tests and local tooling.
func SignatureHeader(secret, dataID, requestID string, ts time.Time) string {
	t := strconv.FormatInt(ts.UnixMilli(), 10)
	return "ts=" + t + ",v1=" + Sign(secret, manifest(dataID, requestID, t))
}

package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// HeaderSignature carries "sha256=<hex>" over "<timestamp>.<body>".
	HeaderSignature = "X-Agent-Signature"
	// HeaderTimestamp carries the signing time in unix seconds.
	HeaderTimestamp = "X-Agent-Timestamp"

	maxWebhookBody = 1 << 20 // 1 MB
)

// WebhookHMAC returns middleware that validates HMAC-SHA256 signatures on
// webhooks from the ingestion service. The secret is read per request so it
// can rotate. Requests signed more than tolerance away from now are rejected,
// which bounds replays of a captured request.
func WebhookHMAC(secret func() string, tolerance time.Duration) func(http.Handler) http.Handler {
	return webhookHMAC(secret, tolerance, time.Now)
}

// StaticSecret adapts a fixed secret for WebhookHMAC.
func StaticSecret(s string) func() string {
	return func() string { return s }
}

func webhookHMAC(secretFn func() string, tolerance time.Duration, now func() time.Time) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := ""
			if secretFn != nil {
				secret = secretFn()
			}
			if secret == "" {
				writeJSONError(w, http.StatusServiceUnavailable, "webhook secret not configured")
				return
			}

			sig := r.Header.Get(HeaderSignature)
			ts := r.Header.Get(HeaderTimestamp)
			if sig == "" || ts == "" {
				writeJSONError(w, http.StatusUnauthorized, "missing webhook signature")
				return
			}
			unix, err := strconv.ParseInt(ts, 10, 64)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid webhook timestamp")
				return
			}
			if skew := now().Sub(time.Unix(unix, 0)); skew > tolerance || skew < -tolerance {
				slog.Warn("webhook timestamp outside tolerance", "security", true, "skew", skew)
				writeJSONError(w, http.StatusForbidden, "webhook timestamp outside tolerance")
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "failed to read body")
				return
			}
			if len(body) > maxWebhookBody {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			if !verifyHMAC(ts, body, sig, secret) {
				slog.Warn("invalid webhook signature", "security", true, "remote", realIP(r))
				writeJSONError(w, http.StatusForbidden, "invalid webhook signature")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// SignWebhook returns the signature header value for body signed at ts.
func SignWebhook(secret string, ts time.Time, body []byte) (timestamp, signature string) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	return timestamp, "sha256=" + hex.EncodeToString(webhookMAC(secret, timestamp, body))
}

func webhookMAC(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

// verifyHMAC checks a signature in "sha256=<hex>" or raw hex form.
func verifyHMAC(timestamp string, payload []byte, signature, secret string) bool {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(sigBytes, webhookMAC(secret, timestamp, payload))
}

package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Wire contract: both headers are sent whenever the tenant has a signing
// key. Receivers recompute HMAC-SHA256(key, "<timestamp>.<raw-body>") and
// constant-time-compare against the hex after "sha256=".
const (
	HeaderTimestamp = "X-Cronicorn-Timestamp"
	HeaderSignature = "X-Cronicorn-Signature"

	signaturePrefix = "sha256="
)

// DefaultMaxSkew is the recommended maximum accepted timestamp age.
const DefaultMaxSkew = 5 * time.Minute

// Sign computes the hex HMAC-SHA256 over "<unixSeconds>.<body>" with the
// tenant key. body may be empty.
func Sign(key []byte, unixSeconds int64, body []byte) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%d.", unixSeconds)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader formats the signature header value for a computed hex mac.
func SignatureHeader(hexMac string) string {
	return signaturePrefix + hexMac
}

// Verify is the receiver side of the wire contract: it parses the two header
// values, rejects stale timestamps, and constant-time-compares the
// recomputed mac. maxSkew <= 0 uses DefaultMaxSkew.
func Verify(key []byte, tsHeader, sigHeader string, body []byte, now time.Time, maxSkew time.Duration) error {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp header: %w", err)
	}
	age := now.Unix() - ts
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > maxSkew {
		return errors.New("timestamp outside accepted skew window")
	}
	hexMac, ok := strings.CutPrefix(sigHeader, signaturePrefix)
	if !ok {
		return errors.New("signature header missing sha256= prefix")
	}
	got, err := hex.DecodeString(hexMac)
	if err != nil {
		return fmt.Errorf("invalid signature hex: %w", err)
	}
	want, _ := hex.DecodeString(Sign(key, ts, body))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return errors.New("signature mismatch")
	}
	return nil
}

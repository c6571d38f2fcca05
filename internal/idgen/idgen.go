// Package idgen generates deterministic, idempotent client order IDs.
// Resubmitting the same (symbol, intent) within the same minute bucket
// must produce the same ID so broker-side retries cannot create duplicate
// orders.
package idgen

import (
	"crypto/sha256"
	"encoding/base32"
	"strings"
	"time"
)

// maxLen is the broker's client order ID length limit.
const maxLen = 48

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ClientOrderID returns a deterministic, URL-safe client order ID for the
// given symbol, trade intent (e.g. "entry_buy", "stop_loss", "take_profit"),
// and the minute bucket the attempt falls in.
func ClientOrderID(symbol, intent string, bucket time.Time) string {
	key := strings.Join([]string{symbol, intent, bucket.UTC().Format("200601021504")}, "|")
	sum := sha256.Sum256([]byte(key))
	encoded := encoding.EncodeToString(sum[:])
	encoded = strings.ToLower(encoded)
	if len(encoded) > maxLen {
		encoded = encoded[:maxLen]
	}
	return encoded
}

// MinuteBucket truncates t to the minute, the bucketing granularity used
// for idempotent retries within one submission attempt.
func MinuteBucket(t time.Time) time.Time {
	return t.Truncate(time.Minute)
}

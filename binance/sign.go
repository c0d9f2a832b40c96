package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Param is a single request parameter.
type Param struct {
	Key   string
	Value string
}

// Params is an ordered parameter list. The exchange signs the query string
// exactly as sent, so insertion order is part of the contract; a Go map
// cannot express that.
type Params []Param

// With appends a parameter and returns the extended list.
func (p Params) With(key, value string) Params {
	return append(p, Param{Key: key, Value: value})
}

// Encode builds the canonical query string, key=value pairs joined by '&'
// in insertion order. Values are sent verbatim, the way the exchange
// expects them signed.
func (p Params) Encode() string {
	var sb strings.Builder
	for i, param := range p {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(param.Key)
		sb.WriteByte('=')
		sb.WriteString(param.Value)
	}
	return sb.String()
}

// Sign computes the hex-encoded HMAC-SHA256 of the payload with the account
// secret. Pure transform, no side effects.
func Sign(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// timestampNow is swapped out by tests that need a fixed clock.
var timestampNow = func() int64 { return time.Now().UnixMilli() }

// SignedQuery appends a fresh millisecond timestamp, signs the resulting
// query string with the secret, and appends the signature last, unsigned.
// The timestamp is captured immediately before signing so a stale value is
// never reused across calls.
func SignedQuery(p Params, secret string) string {
	signed := p.With("timestamp", strconv.FormatInt(timestampNow(), 10))
	qs := signed.Encode()
	return signed.With("signature", Sign(qs, secret)).Encode()
}

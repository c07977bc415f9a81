package mediator

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 signature
	SignatureHeader = "X-FlowCatalyst-Signature"

	// TimestampHeader carries the unix-seconds timestamp the signature covers
	TimestampHeader = "X-FlowCatalyst-Timestamp"

	// CorrelationHeader carries the per-delivery correlation ID
	CorrelationHeader = "X-Correlation-Id"
)

// SignedRequest holds the signature material for one outbound delivery.
type SignedRequest struct {
	Signature string
	Timestamp string
}

// Signer generates HMAC-SHA256 signatures for outbound deliveries.
//
// The signature covers the timestamp concatenated with the request body, so
// the receiver can reject replayed or altered payloads by reproducing it.
type Signer struct{}

// NewSigner creates a new signer.
func NewSigner() *Signer {
	return &Signer{}
}

// Sign signs a delivery body with the signing secret.
//
// The signature is computed as HMAC-SHA256(timestamp + body, signingSecret)
// with the timestamp in unix seconds.
func (s *Signer) Sign(body []byte, signingSecret string) *SignedRequest {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	return &SignedRequest{
		Signature: s.hmacSHA256Hex(timestamp+string(body), signingSecret),
		Timestamp: timestamp,
	}
}

// Verify checks a signature against the body and timestamp it claims to cover.
func (s *Signer) Verify(body []byte, timestamp, signature, signingSecret string) bool {
	expected := s.hmacSHA256Hex(timestamp+string(body), signingSecret)

	// Constant-time comparison to prevent timing attacks
	return hmac.Equal([]byte(expected), []byte(signature))
}

// hmacSHA256Hex computes HMAC-SHA256 and returns the lowercase hex digest.
func (s *Signer) hmacSHA256Hex(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

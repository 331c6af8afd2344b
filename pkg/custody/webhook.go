package custody

import (
	"context"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Notification signature headers. HeaderHMACSignature is used by relays that
// re-sign notifications with a shared secret.
const (
	HeaderSignature     = "X-Circle-Signature"
	HeaderKeyID         = "X-Circle-Key-Id"
	HeaderHMACSignature = "X-Webhook-Signature"
)

// ErrInvalidSignature is returned when a notification is unsigned or its
// signature does not match the body.
var ErrInvalidSignature = errors.New("invalid notification signature")

// PublicKeySource resolves the ECDSA key a notification was signed with.
type PublicKeySource interface {
	NotificationPublicKey(ctx context.Context, keyID string) (*ecdsa.PublicKey, error)
}

// NotificationPublicKey fetches the notification signing key keyID. Keys are
// cached for the lifetime of the client.
func (c *Client) NotificationPublicKey(ctx context.Context, keyID string) (*ecdsa.PublicKey, error) {
	c.keysMu.Lock()
	if key, ok := c.notificationKeys[keyID]; ok {
		c.keysMu.Unlock()
		return key, nil
	}
	c.keysMu.Unlock()

	var resp struct {
		Data struct {
			ID        string `json:"id"`
			Algorithm string `json:"algorithm"`
			PublicKey string `json:"publicKey"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/v2/notifications/publicKey/"+url.PathEscape(keyID), nil, &resp); err != nil {
		return nil, err
	}
	key, err := parseECDSAPublicKey(resp.Data.PublicKey)
	if err != nil {
		return nil, err
	}

	c.keysMu.Lock()
	if c.notificationKeys == nil {
		c.notificationKeys = make(map[string]*ecdsa.PublicKey)
	}
	c.notificationKeys[keyID] = key
	c.keysMu.Unlock()
	return key, nil
}

func parseECDSAPublicKey(raw string) (*ecdsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("notification public key is not base64: %w", err)
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse notification public key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("notification public key has unexpected type %T", parsed)
	}
	return key, nil
}

// WebhookVerifier authenticates custody notifications. A request signed with
// the provider's ECDSA key is checked against keys; otherwise an HMAC-SHA256
// signature over the body is checked against secret. Requests carrying
// neither are rejected.
type WebhookVerifier struct {
	keys   PublicKeySource
	secret []byte
}

// NewWebhookVerifier creates a WebhookVerifier. keys may be nil and secret
// empty, which disables the respective check.
func NewWebhookVerifier(keys PublicKeySource, secret string) *WebhookVerifier {
	return &WebhookVerifier{keys: keys, secret: []byte(strings.TrimSpace(secret))}
}

// Verify checks the signature headers against body. It wraps
// ErrInvalidSignature when the request is not authentic; any other error means
// the signing key could not be resolved.
func (v *WebhookVerifier) Verify(ctx context.Context, header http.Header, body []byte) error {
	signature := strings.TrimSpace(header.Get(HeaderSignature))
	keyID := strings.TrimSpace(header.Get(HeaderKeyID))
	if signature != "" && keyID != "" && v.keys != nil {
		return v.verifyECDSA(ctx, keyID, signature, body)
	}
	if mac := strings.TrimSpace(header.Get(HeaderHMACSignature)); mac != "" && len(v.secret) > 0 {
		return v.verifyHMAC(mac, body)
	}
	return fmt.Errorf("%w: missing signature", ErrInvalidSignature)
}

func (v *WebhookVerifier) verifyECDSA(ctx context.Context, keyID, signature string, body []byte) error {
	key, err := v.keys.NotificationPublicKey(ctx, keyID)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: unknown key %s", ErrInvalidSignature, keyID)
		}
		return fmt.Errorf("resolve notification key %s: %w", keyID, err)
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: signature is not base64", ErrInvalidSignature)
	}
	digest := sha256.Sum256(body)
	if !ecdsa.VerifyASN1(key, digest[:], sig) {
		return fmt.Errorf("%w: ecdsa mismatch", ErrInvalidSignature)
	}
	return nil
}

func (v *WebhookVerifier) verifyHMAC(signature string, body []byte) error {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	signature = strings.TrimPrefix(signature, "sha256=")
	if got, err := hex.DecodeString(signature); err == nil && hmac.Equal(got, expected) {
		return nil
	}
	if got, err := base64.StdEncoding.DecodeString(signature); err == nil && hmac.Equal(got, expected) {
		return nil
	}
	return fmt.Errorf("%w: hmac mismatch", ErrInvalidSignature)
}

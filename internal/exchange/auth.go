// auth.go implements request signing for centralized-exchange REST and
// WebSocket APIs. Both Bybit and Binance authenticate with an HMAC-SHA256
// signature over a canonical request string plus a millisecond timestamp —
// there is no on-chain or wallet component, so this is a from-scratch
// implementation rather than an adaptation of a prior wallet-signing scheme.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Auth holds one venue credential pair and signs request preimages with it.
type Auth struct {
	apiKey    string
	apiSecret string
}

// NewAuth builds an Auth from a venue API key/secret pair.
func NewAuth(key, secret string) *Auth {
	return &Auth{apiKey: key, apiSecret: secret}
}

// APIKey returns the public key half of the credential pair.
func (a *Auth) APIKey() string {
	return a.apiKey
}

// Sign returns the hex-encoded HMAC-SHA256 signature of payload under the
// account secret.
func (a *Auth) Sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(a.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Timestamp returns the current unix millisecond timestamp as a string, the
// form both Bybit and Binance expect in their signed-request preimage.
func Timestamp() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}

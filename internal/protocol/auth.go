package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignHMAC answers an auth challenge with the shared-secret scheme:
// hex(HMAC-SHA256(secret, challenge)). Relays with no secret accept
// any signature, so clients may send anything when unconfigured.
func SignHMAC(secret, challenge string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether signature answers challenge under secret.
// Constant-time on the signature comparison.
func VerifyHMAC(secret, challenge, signature string) bool {
	want := SignHMAC(secret, challenge)
	return hmac.Equal([]byte(want), []byte(signature))
}

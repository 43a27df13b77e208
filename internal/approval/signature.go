package approval

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Sign returns hex(HMAC-SHA256(secret, "<len(id)>:<id>:<len(action)>:<action>")).
// Length prefixes make the field boundaries unambiguous.
func Sign(secret, requestID, action string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d:%s:%d:%s", len(requestID), requestID, len(action), action)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func Verify(secret, requestID, action, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, requestID, action))
	return hmac.Equal(got, want)
}

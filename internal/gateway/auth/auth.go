// Package auth resolves gateway API keys to user IDs.
package auth

import "crypto/subtle"

// Anonymous is the user ID given to every caller when no keys are configured.
const Anonymous = "anonymous"

// Lookup returns the user ID mapped to key. Every configured key is
// compared in constant time so the response time does not reveal how
// much of a guess matched.
func Lookup(keys map[string]string, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	userID := ""
	for k, uid := range keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(k)) == 1 {
			userID = uid
		}
	}
	return userID, userID != ""
}

package persistence

import (
	"encoding/base64"
	"strings"
)

const encodedKeyPrefix = "k_"

// encodeKey maps an arbitrary cache key onto the restricted charsets of
// object names and JetStream subjects. The output is never empty.
func encodeKey(key string) string {
	return encodedKeyPrefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKey(encoded string) (string, bool) {
	raw, ok := strings.CutPrefix(encoded, encodedKeyPrefix)
	if !ok {
		return "", false
	}
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return "", false
	}
	return string(b), true
}

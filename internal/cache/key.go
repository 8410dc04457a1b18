package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Key builds a stable cache key from semantic components. The namespace
// stays readable; the remaining parts are hashed so that arbitrary user
// text never ends up in a key.
//
//	Key("ctx", convID, "pro", text) // "huddle:ctx:3f1c..."
func Key(namespace string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		// Length-prefix each part so ("ab","c") and ("a","bc") differ.
		h.Write([]byte{byte(len(p) >> 24), byte(len(p) >> 16), byte(len(p) >> 8), byte(len(p))})
		h.Write([]byte(p))
	}
	return "huddle:" + namespace + ":" + hex.EncodeToString(h.Sum(nil))[:32]
}

// TextHash returns a short stable digest of user text, for logging and
// for request fields that identify a message without repeating it.
func TextHash(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:8])
}

package aio

import (
	"encoding/base64"

	"github.com/google/uuid"
)

// ShortID returns a 16-character URL-safe random identifier, used for
// request ids, speech ids, and transcript segment ids. The value is derived
// from 12 random UUID bytes, base64url-encoded without padding.
func ShortID() string {
	u := uuid.New()
	return base64.RawURLEncoding.EncodeToString(u[:12])
}

// ShortIDWith prefixes a ShortID with prefix and an underscore, the
// convention for typed ids ("speech_…", "item_…").
func ShortIDWith(prefix string) string {
	return prefix + "_" + ShortID()
}

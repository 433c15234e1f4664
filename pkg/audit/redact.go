package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// RedactRecord swaps the operator address for a keyed digest. Equal
// addresses still correlate under one salt; the address itself is gone.
func RedactRecord(rec Record, salt []byte) Record {
	if rec.RemoteAddr == "" {
		return rec
	}
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(rec.RemoteAddr))
	rec.RemoteAddr = "sha256:" + hex.EncodeToString(mac.Sum(nil))
	return rec
}

package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Redacted replaces the actor id with a salted hash before handing the
// record to next. Roles and domain names are kept as-is.
func Redacted(next Sink, salt []byte) Sink {
	return SinkFunc(func(ctx context.Context, rec Record) error {
		rec.Actor = HashActor(rec.Actor, salt)
		return next.Write(ctx, rec)
	})
}

func HashActor(id string, salt []byte) string {
	if id == "" {
		return ""
	}
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write([]byte(id))
	return hex.EncodeToString(h.Sum(nil))
}

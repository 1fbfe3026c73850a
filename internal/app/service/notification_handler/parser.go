package notification_handler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/fatflowers/entitlement/pkg/types"
)

// NotificationParser turns a raw provider webhook body into an Event. Decode
// failures wrap ErrMalformedPayload.
type NotificationParser interface {
	Provider() types.BillingProvider
	Parse(ctx context.Context, body []byte) (*Event, error)
}

// fallbackEventID derives a stable id for payloads that carry none so replays
// still deduplicate.
func fallbackEventID(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:16])
}

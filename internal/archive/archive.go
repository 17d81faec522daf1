// Package archive provides an optional audit trail of applied registry
// events. The cache is the serving store; the archive only exists for
// after-the-fact inspection and is written best effort.
package archive

import (
	"context"
	"time"
)

// AppliedEvent is one projected event as the indexer applied it.
type AppliedEvent struct {
	Kind        string    `json:"kind"`
	ServiceID   string    `json:"service_id"`
	BlockNumber uint64    `json:"block_number"`
	TxHash      string    `json:"tx_hash"`
	LogIndex    uint64    `json:"log_index"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Sink receives applied events in application order.
type Sink interface {
	PutEvents(ctx context.Context, events []AppliedEvent) error
}

// Nop discards everything; used when no archive DSN is configured.
type Nop struct{}

func (Nop) PutEvents(context.Context, []AppliedEvent) error { return nil }

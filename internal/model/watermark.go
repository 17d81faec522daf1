package model

// Watermark records the indexer's projection progress: the highest block
// whose events have been fully applied to the cache. It is persisted with a
// short TTL for observability only and is never a correctness source.
type Watermark struct {
	LastProcessedBlock  uint64 `json:"last_processed_block"`
	ProcessedEventCount uint64 `json:"processed_event_count"`
	UpdatedAt           string `json:"updated_at"`
}

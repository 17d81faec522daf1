package api

import (
	"registryScope/internal/model"
)

// Item is the wire shape of one service in API responses. Stake crosses the
// boundary as a decimal string; state as its integer code.
type Item struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	Stake        string          `json:"stake"`
	State        int             `json:"state"`
	MetadataURI  string          `json:"metadataUri"`
	RegisteredAt uint64          `json:"registeredAt"`
	Reputation   *ItemReputation `json:"reputation"`
	Metadata     map[string]any  `json:"metadata"`
}

// ItemReputation exposes the 0-100 display value and the query-derived rank.
type ItemReputation struct {
	TotalCalls    uint64 `json:"totalCalls"`
	SuccessCount  uint64 `json:"successCount"`
	BayesianScore int    `json:"bayesianScore"`
	Rank          int    `json:"rank"`
}

// DiscoverResponse is the discovery endpoint body.
type DiscoverResponse struct {
	Services    []Item `json:"services"`
	Total       int    `json:"total"`
	Page        int    `json:"page"`
	PerPage     int    `json:"perPage"`
	QueryTimeMs int64  `json:"queryTimeMs"`
}

func itemFromRecord(rec model.ServiceRecord) Item {
	item := Item{
		ID:           rec.ID,
		Provider:     rec.Provider,
		Stake:        "0",
		State:        int(rec.State),
		MetadataURI:  rec.MetadataURI,
		RegisteredAt: rec.RegisteredAt,
		Metadata:     rec.Metadata,
	}
	if rec.Stake != nil {
		item.Stake = rec.Stake.String()
	}
	if rec.Reputation != nil {
		item.Reputation = &ItemReputation{
			TotalCalls:    rec.Reputation.TotalCalls,
			SuccessCount:  rec.Reputation.SuccessCount,
			BayesianScore: rec.Reputation.DisplayScore,
			Rank:          rec.Rank,
		}
	}
	return item
}

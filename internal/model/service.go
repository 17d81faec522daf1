package model

import (
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
)

// ServiceState is the lifecycle state of a registered service.
type ServiceState int

const (
	StatePending ServiceState = iota
	StateActive
	StateChallenged
	StateSlashed
	StateWithdrawn
)

// Terminal reports whether no further lifecycle transitions are possible.
func (s ServiceState) Terminal() bool {
	return s == StateSlashed || s == StateWithdrawn
}

func (s ServiceState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateChallenged:
		return "challenged"
	case StateSlashed:
		return "slashed"
	case StateWithdrawn:
		return "withdrawn"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var serviceIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidServiceID reports whether id is a 32-byte hex identifier.
func ValidServiceID(id string) bool {
	return serviceIDPattern.MatchString(id)
}

// ServiceRecord is the cached projection of one registered service.
// Stake is kept in the smallest ledger unit and crosses the serialization
// boundary as a decimal string, never a native number.
type ServiceRecord struct {
	ID                string            `json:"id"`
	Provider          string            `json:"provider"`
	Stake             *big.Int          `json:"-"`
	State             ServiceState      `json:"state"`
	MetadataURI       string            `json:"metadata_uri"`
	RegisteredAt      uint64            `json:"registered_at"`
	ChallengeDeadline uint64            `json:"challenge_deadline,omitempty"`
	Challenger        string            `json:"challenger,omitempty"`
	Metadata          map[string]any    `json:"metadata,omitempty"`
	Reputation        *ReputationRecord `json:"reputation,omitempty"`

	// Rank is recomputed on every query and never authoritative.
	Rank int `json:"rank,omitempty"`
}

// MarshalJSON encodes Stake as a decimal string.
func (s ServiceRecord) MarshalJSON() ([]byte, error) {
	type Alias ServiceRecord
	return json.Marshal(struct {
		Alias
		Stake string `json:"stake"`
	}{Alias: Alias(s), Stake: bigToString(s.Stake)})
}

// UnmarshalJSON decodes Stake from a decimal string.
func (s *ServiceRecord) UnmarshalJSON(data []byte) error {
	type Alias ServiceRecord
	var aux struct {
		Alias
		Stake string `json:"stake"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	stake, err := bigFromString(aux.Stake)
	if err != nil {
		return fmt.Errorf("stake: %w", err)
	}
	*s = ServiceRecord(aux.Alias)
	s.Stake = stake
	return nil
}

// ReputationRecord is the cached reputation projection for one service.
// BayesianScore is an 18-decimal fixed-point ratio in [0, 1e18].
type ReputationRecord struct {
	TotalCalls    uint64   `json:"total_calls"`
	SuccessCount  uint64   `json:"success_count"`
	BayesianScore *big.Int `json:"-"`
	DisplayScore  int      `json:"display_score"`
	LastUpdated   uint64   `json:"last_updated"`
}

// MarshalJSON encodes BayesianScore as a decimal string.
func (r ReputationRecord) MarshalJSON() ([]byte, error) {
	type Alias ReputationRecord
	return json.Marshal(struct {
		Alias
		BayesianScore string `json:"bayesian_score"`
	}{Alias: Alias(r), BayesianScore: bigToString(r.BayesianScore)})
}

// UnmarshalJSON decodes BayesianScore from a decimal string.
func (r *ReputationRecord) UnmarshalJSON(data []byte) error {
	type Alias ReputationRecord
	var aux struct {
		Alias
		BayesianScore string `json:"bayesian_score"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	score, err := bigFromString(aux.BayesianScore)
	if err != nil {
		return fmt.Errorf("bayesian_score: %w", err)
	}
	*r = ReputationRecord(aux.Alias)
	r.BayesianScore = score
	return nil
}

// fixedPointOne is 1.0 in the 18-decimal fixed-point score scale.
var fixedPointOne = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// DisplayFromBayesian converts an 18-decimal fixed-point ratio to a 0-100
// integer for display. Values outside [0, 1e18] are clamped.
func DisplayFromBayesian(score *big.Int) int {
	if score == nil || score.Sign() <= 0 {
		return 0
	}
	if score.Cmp(fixedPointOne) >= 0 {
		return 100
	}
	d := new(big.Int).Mul(score, big.NewInt(100))
	d.Quo(d, fixedPointOne)
	return int(d.Int64())
}

func bigToString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func bigFromString(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal integer %q", s)
	}
	return v, nil
}

// Capabilities extracts the capability list from the opaque metadata
// document, tolerating absent or oddly typed fields.
func (s *ServiceRecord) Capabilities() []string {
	return metadataStrings(s.Metadata, "capabilities")
}

// Tags extracts the tag list from the opaque metadata document.
func (s *ServiceRecord) Tags() []string {
	return metadataStrings(s.Metadata, "tags")
}

func metadataStrings(meta map[string]any, key string) []string {
	if meta == nil {
		return nil
	}
	raw, ok := meta[key]
	if !ok {
		return nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

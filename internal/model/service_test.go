package model

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestServiceRecordJSONRoundTrip(t *testing.T) {
	// 2^64 * 1000, well beyond float64's exact integer range.
	stake, ok := new(big.Int).SetString("18446744073709551616000", 10)
	if !ok {
		t.Fatalf("bad stake literal")
	}

	record := ServiceRecord{
		ID:           "0x" + repeat("ab", 32),
		Provider:     "0x1111111111111111111111111111111111111111",
		Stake:        stake,
		State:        StateActive,
		MetadataURI:  "ipfs://QmMeta",
		RegisteredAt: 1700000000,
		Metadata:     map[string]any{"capabilities": []any{"tools"}},
	}

	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var asMap map[string]any
	if err := json.Unmarshal(data, &asMap); err != nil {
		t.Fatalf("unmarshal to map failed: %v", err)
	}
	if got, ok := asMap["stake"].(string); !ok || got != "18446744073709551616000" {
		t.Fatalf("stake should serialize as decimal string, got %v", asMap["stake"])
	}

	var decoded ServiceRecord
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Stake.Cmp(stake) != 0 {
		t.Fatalf("stake precision lost: %s != %s", decoded.Stake, stake)
	}
	if decoded.ID != record.ID || decoded.State != StateActive {
		t.Fatalf("record mismatch: %+v", decoded)
	}
}

func TestReputationRecordJSONRoundTrip(t *testing.T) {
	score, _ := new(big.Int).SetString("954000000000000000", 10)
	rep := ReputationRecord{
		TotalCalls:    1200,
		SuccessCount:  1145,
		BayesianScore: score,
		DisplayScore:  95,
		LastUpdated:   42,
	}

	data, err := json.Marshal(rep)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded ReputationRecord
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.BayesianScore.Cmp(score) != 0 {
		t.Fatalf("score precision lost: %s != %s", decoded.BayesianScore, score)
	}
	if decoded.DisplayScore != 95 || decoded.TotalCalls != 1200 {
		t.Fatalf("record mismatch: %+v", decoded)
	}
}

func TestDisplayFromBayesian(t *testing.T) {
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	if got := DisplayFromBayesian(nil); got != 0 {
		t.Fatalf("nil score: got %d", got)
	}
	if got := DisplayFromBayesian(big.NewInt(0)); got != 0 {
		t.Fatalf("zero score: got %d", got)
	}
	if got := DisplayFromBayesian(one); got != 100 {
		t.Fatalf("full score: got %d", got)
	}

	half := new(big.Int).Quo(one, big.NewInt(2))
	if got := DisplayFromBayesian(half); got != 50 {
		t.Fatalf("half score: got %d", got)
	}

	over := new(big.Int).Mul(one, big.NewInt(3))
	if got := DisplayFromBayesian(over); got != 100 {
		t.Fatalf("over-range score should clamp: got %d", got)
	}
}

func TestValidServiceID(t *testing.T) {
	valid := "0x" + repeat("0f", 32)
	if !ValidServiceID(valid) {
		t.Fatalf("expected valid: %s", valid)
	}

	invalid := []string{
		"",
		"0x",
		"0x1234",
		repeat("0f", 32),          // missing 0x
		"0x" + repeat("0g", 32),   // bad charset
		"0x" + repeat("0f", 31),   // too short
		"0x" + repeat("0f", 33),   // too long
	}
	for _, id := range invalid {
		if ValidServiceID(id) {
			t.Fatalf("expected invalid: %s", id)
		}
	}
}

func TestMetadataMembership(t *testing.T) {
	record := ServiceRecord{
		Metadata: map[string]any{
			"capabilities": []any{"tools", "resources"},
			"tags":         []any{"search", 7, ""},
		},
	}

	caps := record.Capabilities()
	if len(caps) != 2 || caps[0] != "tools" || caps[1] != "resources" {
		t.Fatalf("capabilities mismatch: %v", caps)
	}

	tags := record.Tags()
	if len(tags) != 1 || tags[0] != "search" {
		t.Fatalf("tags should drop non-strings and empties: %v", tags)
	}

	var empty ServiceRecord
	if empty.Capabilities() != nil || empty.Tags() != nil {
		t.Fatalf("nil metadata should yield nil lists")
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []ServiceState{StatePending, StateActive, StateChallenged} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	for _, s := range []ServiceState{StateSlashed, StateWithdrawn} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

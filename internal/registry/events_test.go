package registry

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	testServiceID = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000aa")
	testProvider  = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func mustDecoder(t *testing.T) *Decoder {
	t.Helper()
	d, err := NewDecoder()
	if err != nil {
		t.Fatalf("NewDecoder failed: %v", err)
	}
	return d
}

// makeLog packs the non-indexed args of kind and builds a raw log with the
// given indexed topics appended after topic0 and serviceId.
func makeLog(t *testing.T, kind Kind, block uint64, extraTopics []common.Hash, nonIndexed ...interface{}) types.Log {
	t.Helper()
	parsed, err := ABI()
	if err != nil {
		t.Fatalf("ABI failed: %v", err)
	}
	event, ok := parsed.Events[string(kind)]
	if !ok {
		t.Fatalf("unknown event %s", kind)
	}
	data, err := event.Inputs.NonIndexed().Pack(nonIndexed...)
	if err != nil {
		t.Fatalf("pack %s failed: %v", kind, err)
	}
	topics := append([]common.Hash{event.ID, testServiceID}, extraTopics...)
	return types.Log{
		Address:     common.HexToAddress("0x2222222222222222222222222222222222222222"),
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xbeef"),
		Index:       3,
	}
}

func TestDecodeRegistered(t *testing.T) {
	d := mustDecoder(t)
	providerTopic := common.BytesToHash(testProvider.Bytes())
	log := makeLog(t, KindRegistered, 42, []common.Hash{providerTopic}, "ipfs://QmMeta")

	event, err := d.Decode(log)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	reg, ok := event.(Registered)
	if !ok {
		t.Fatalf("expected Registered, got %T", event)
	}
	if reg.Kind() != KindRegistered {
		t.Fatalf("kind mismatch: %s", reg.Kind())
	}
	if reg.ServiceID() != testServiceID.Hex() {
		t.Fatalf("service id mismatch: %s", reg.ServiceID())
	}
	if reg.Block() != 42 || reg.LogIndex != 3 {
		t.Fatalf("log coordinates mismatch: %+v", reg.Base)
	}
	if reg.Provider != testProvider.Hex() {
		t.Fatalf("provider mismatch: %s", reg.Provider)
	}
	if reg.MetadataURI != "ipfs://QmMeta" {
		t.Fatalf("metadata uri mismatch: %s", reg.MetadataURI)
	}
}

func TestDecodeChallenged(t *testing.T) {
	d := mustDecoder(t)
	challenger := common.HexToAddress("0x3333333333333333333333333333333333333333")
	log := makeLog(t, KindChallenged, 50, []common.Hash{common.BytesToHash(challenger.Bytes())}, big.NewInt(1234))

	event, err := d.Decode(log)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	ch, ok := event.(Challenged)
	if !ok {
		t.Fatalf("expected Challenged, got %T", event)
	}
	if ch.Challenger != challenger.Hex() || ch.Deadline != 1234 {
		t.Fatalf("challenge fields mismatch: %+v", ch)
	}
}

func TestDecodeReputationUpdatedKeepsPrecision(t *testing.T) {
	d := mustDecoder(t)
	score, _ := new(big.Int).SetString("954321987654321098", 10)
	log := makeLog(t, KindReputationUpdated, 60, nil,
		big.NewInt(5000), big.NewInt(4771), score)

	event, err := d.Decode(log)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	rep, ok := event.(ReputationUpdated)
	if !ok {
		t.Fatalf("expected ReputationUpdated, got %T", event)
	}
	if rep.TotalCalls != 5000 || rep.SuccessCount != 4771 {
		t.Fatalf("counters mismatch: %+v", rep)
	}
	if rep.BayesianScore.Cmp(score) != 0 {
		t.Fatalf("score precision lost: %s", rep.BayesianScore)
	}
}

func TestDecodeSimpleKinds(t *testing.T) {
	d := mustDecoder(t)

	cases := []struct {
		log  types.Log
		kind Kind
	}{
		{makeLog(t, KindActivated, 1, nil), KindActivated},
		{makeLog(t, KindWithdrawn, 2, nil), KindWithdrawn},
		{makeLog(t, KindSlashed, 3, nil, big.NewInt(77)), KindSlashed},
		{makeLog(t, KindChallengeResolved, 4, nil, true), KindChallengeResolved},
	}
	for _, tc := range cases {
		event, err := d.Decode(tc.log)
		if err != nil {
			t.Fatalf("decode %s failed: %v", tc.kind, err)
		}
		if event.Kind() != tc.kind {
			t.Fatalf("kind mismatch: got %s, want %s", event.Kind(), tc.kind)
		}
		if event.ServiceID() != testServiceID.Hex() {
			t.Fatalf("%s: service id mismatch", tc.kind)
		}
	}

	slashed, _ := d.Decode(cases[2].log)
	if got := slashed.(Slashed).Amount; got.Cmp(big.NewInt(77)) != 0 {
		t.Fatalf("slash amount mismatch: %s", got)
	}
	resolved, _ := d.Decode(cases[3].log)
	if !resolved.(ChallengeResolved).Malicious {
		t.Fatalf("malicious flag lost")
	}
}

func TestDecodeRejectsUnknownTopic(t *testing.T) {
	d := mustDecoder(t)
	log := types.Log{Topics: []common.Hash{common.HexToHash("0xdead"), testServiceID}}
	if _, err := d.Decode(log); err == nil {
		t.Fatalf("expected error for unknown topic0")
	}
	if _, err := d.Decode(types.Log{}); err == nil {
		t.Fatalf("expected error for missing topics")
	}
}

func TestTopicsCoverEveryKind(t *testing.T) {
	d := mustDecoder(t)
	if got := len(d.Topics()); got != len(Kinds()) {
		t.Fatalf("expected %d topics, got %d", len(Kinds()), got)
	}
}

type stubCaller struct {
	input []byte
	out   []byte
	err   error
}

func (s *stubCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	s.input = msg.Data
	return s.out, s.err
}

func TestReadStake(t *testing.T) {
	parsed, err := ABI()
	if err != nil {
		t.Fatalf("ABI failed: %v", err)
	}
	want, _ := new(big.Int).SetString("5000000000000000000000", 10)
	out, err := parsed.Methods["getStake"].Outputs.Pack(want)
	if err != nil {
		t.Fatalf("pack output failed: %v", err)
	}

	caller := &stubCaller{out: out}
	contract := common.HexToAddress("0x4444444444444444444444444444444444444444")
	got, err := ReadStake(context.Background(), caller, contract, testServiceID.Hex())
	if err != nil {
		t.Fatalf("ReadStake failed: %v", err)
	}
	if got.Cmp(want) != 0 {
		t.Fatalf("stake mismatch: got %s, want %s", got, want)
	}
	if len(caller.input) != 4+32 {
		t.Fatalf("unexpected calldata length %d", len(caller.input))
	}
}

func TestReadStakeRejectsBadID(t *testing.T) {
	caller := &stubCaller{err: errors.New("should not be called")}
	contract := common.HexToAddress("0x4444444444444444444444444444444444444444")
	if _, err := ReadStake(context.Background(), caller, contract, "0x1234"); err == nil {
		t.Fatalf("expected error for short id")
	}
	if caller.input != nil {
		t.Fatalf("contract should not be called for an invalid id")
	}
}

package registry

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// Kind names one of the closed set of registry event kinds.
type Kind string

const (
	KindRegistered        Kind = "ServiceRegistered"
	KindActivated         Kind = "ServiceActivated"
	KindChallenged        Kind = "ServiceChallenged"
	KindSlashed           Kind = "ServiceSlashed"
	KindChallengeResolved Kind = "ChallengeResolved"
	KindReputationUpdated Kind = "ReputationUpdated"
	KindWithdrawn         Kind = "ServiceWithdrawn"
)

// Kinds lists every registry event kind.
func Kinds() []Kind {
	return []Kind{
		KindRegistered, KindActivated, KindChallenged, KindSlashed,
		KindChallengeResolved, KindReputationUpdated, KindWithdrawn,
	}
}

// Event is the closed union of decoded registry events. Raw logs are decoded
// once at the boundary; everything downstream dispatches on the concrete
// type.
type Event interface {
	Kind() Kind
	ServiceID() string
	Block() uint64
	isRegistryEvent()
}

// Base carries the log coordinates shared by every event kind.
type Base struct {
	ID          string
	BlockNumber uint64
	TxHash      string
	LogIndex    uint
}

func (b Base) ServiceID() string { return b.ID }
func (b Base) Block() uint64     { return b.BlockNumber }
func (b Base) isRegistryEvent()  {}

// Registered announces a new service at state Pending.
type Registered struct {
	Base
	Provider    string
	MetadataURI string
}

func (Registered) Kind() Kind { return KindRegistered }

// Activated moves a pending service to Active.
type Activated struct{ Base }

func (Activated) Kind() Kind { return KindActivated }

// Challenged moves an active service to Challenged.
type Challenged struct {
	Base
	Challenger string
	Deadline   uint64
}

func (Challenged) Kind() Kind { return KindChallenged }

// Slashed terminally slashes a challenged service.
type Slashed struct {
	Base
	Amount *big.Int
}

func (Slashed) Kind() Kind { return KindSlashed }

// ChallengeResolved settles a challenge either way.
type ChallengeResolved struct {
	Base
	Malicious bool
}

func (ChallengeResolved) Kind() Kind { return KindChallengeResolved }

// ReputationUpdated carries the recomputed reputation counters.
type ReputationUpdated struct {
	Base
	TotalCalls    uint64
	SuccessCount  uint64
	BayesianScore *big.Int
}

func (ReputationUpdated) Kind() Kind { return KindReputationUpdated }

// Withdrawn terminally withdraws a service.
type Withdrawn struct{ Base }

func (Withdrawn) Kind() Kind { return KindWithdrawn }

// Decoder turns raw contract logs into typed registry events.
type Decoder struct {
	abi         abi.ABI
	topicToKind map[common.Hash]Kind
}

// NewDecoder builds a decoder from the embedded registry ABI.
func NewDecoder() (*Decoder, error) {
	parsed, err := ABI()
	if err != nil {
		return nil, err
	}

	topicToKind := make(map[common.Hash]Kind, 7)
	for _, kind := range Kinds() {
		event, ok := parsed.Events[string(kind)]
		if !ok {
			return nil, fmt.Errorf("event %s missing from ABI", kind)
		}
		topicToKind[event.ID] = kind
	}

	return &Decoder{abi: parsed, topicToKind: topicToKind}, nil
}

// Topics returns the topic0 hashes of every registry event, for log filters.
func (d *Decoder) Topics() []common.Hash {
	topics := make([]common.Hash, 0, len(d.topicToKind))
	for topic := range d.topicToKind {
		topics = append(topics, topic)
	}
	return topics
}

// Decode converts one raw log into a typed event. Unknown topics are an
// error; the caller filters by topic0 so they indicate a filter bug.
func (d *Decoder) Decode(log types.Log) (Event, error) {
	if len(log.Topics) == 0 {
		return nil, fmt.Errorf("missing topics")
	}
	kind, ok := d.topicToKind[log.Topics[0]]
	if !ok {
		return nil, fmt.Errorf("unsupported topic0: %s", log.Topics[0].Hex())
	}
	if len(log.Topics) < 2 {
		return nil, fmt.Errorf("%s: missing serviceId topic", kind)
	}

	base := Base{
		ID:          log.Topics[1].Hex(),
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    log.Index,
	}
	event := d.abi.Events[string(kind)]

	switch kind {
	case KindRegistered:
		values, err := d.unpack(event, log.Data, 1)
		if err != nil {
			return nil, err
		}
		uri, ok := values[0].(string)
		if !ok {
			return nil, fmt.Errorf("%s: metadataURI is not a string", kind)
		}
		if len(log.Topics) < 3 {
			return nil, fmt.Errorf("%s: missing provider topic", kind)
		}
		return Registered{
			Base:        base,
			Provider:    common.BytesToAddress(log.Topics[2].Bytes()).Hex(),
			MetadataURI: uri,
		}, nil

	case KindActivated:
		return Activated{Base: base}, nil

	case KindChallenged:
		values, err := d.unpack(event, log.Data, 1)
		if err != nil {
			return nil, err
		}
		deadline, err := asBigInt(values[0])
		if err != nil {
			return nil, fmt.Errorf("%s: deadline: %w", kind, err)
		}
		if len(log.Topics) < 3 {
			return nil, fmt.Errorf("%s: missing challenger topic", kind)
		}
		return Challenged{
			Base:       base,
			Challenger: common.BytesToAddress(log.Topics[2].Bytes()).Hex(),
			Deadline:   deadline.Uint64(),
		}, nil

	case KindSlashed:
		values, err := d.unpack(event, log.Data, 1)
		if err != nil {
			return nil, err
		}
		amount, err := asBigInt(values[0])
		if err != nil {
			return nil, fmt.Errorf("%s: amount: %w", kind, err)
		}
		return Slashed{Base: base, Amount: amount}, nil

	case KindChallengeResolved:
		values, err := d.unpack(event, log.Data, 1)
		if err != nil {
			return nil, err
		}
		malicious, ok := values[0].(bool)
		if !ok {
			return nil, fmt.Errorf("%s: malicious is not a bool", kind)
		}
		return ChallengeResolved{Base: base, Malicious: malicious}, nil

	case KindReputationUpdated:
		values, err := d.unpack(event, log.Data, 3)
		if err != nil {
			return nil, err
		}
		totalCalls, err := asBigInt(values[0])
		if err != nil {
			return nil, fmt.Errorf("%s: totalCalls: %w", kind, err)
		}
		successCount, err := asBigInt(values[1])
		if err != nil {
			return nil, fmt.Errorf("%s: successCount: %w", kind, err)
		}
		score, err := asBigInt(values[2])
		if err != nil {
			return nil, fmt.Errorf("%s: bayesianScore: %w", kind, err)
		}
		return ReputationUpdated{
			Base:          base,
			TotalCalls:    totalCalls.Uint64(),
			SuccessCount:  successCount.Uint64(),
			BayesianScore: score,
		}, nil

	case KindWithdrawn:
		return Withdrawn{Base: base}, nil

	default:
		return nil, fmt.Errorf("unsupported event kind: %s", kind)
	}
}

func (d *Decoder) unpack(event abi.Event, data []byte, want int) ([]interface{}, error) {
	values, err := event.Inputs.NonIndexed().Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
	}
	if len(values) != want {
		return nil, fmt.Errorf("unexpected %s values: %d", event.Name, len(values))
	}
	return values, nil
}

func asBigInt(value interface{}) (*big.Int, error) {
	v, ok := value.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("value %T is not *big.Int", value)
	}
	return v, nil
}

// ContractCaller is the raw-read surface used for stake enrichment; the
// failover client satisfies it.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ReadStake reads a service's current stake from the registry contract.
// Used to enrich a freshly registered service past its zero placeholder.
func ReadStake(ctx context.Context, caller ContractCaller, contract common.Address, serviceID string) (*big.Int, error) {
	parsed, err := ABI()
	if err != nil {
		return nil, err
	}

	id, err := serviceIDHash(serviceID)
	if err != nil {
		return nil, err
	}
	input, err := parsed.Pack("getStake", id)
	if err != nil {
		return nil, fmt.Errorf("pack getStake: %w", err)
	}

	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: input}, nil)
	if err != nil {
		return nil, err
	}
	values, err := parsed.Unpack("getStake", out)
	if err != nil {
		return nil, fmt.Errorf("unpack getStake: %w", err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unexpected getStake values: %d", len(values))
	}
	return asBigInt(values[0])
}

func serviceIDHash(serviceID string) ([32]byte, error) {
	var id [32]byte
	raw, err := hexutil.Decode(serviceID)
	if err != nil || len(raw) != 32 {
		return id, fmt.Errorf("invalid service id %q", serviceID)
	}
	copy(id[:], raw)
	return id, nil
}

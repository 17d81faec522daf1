package indexer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"go.uber.org/zap"

	"registryScope/internal/cache"
	"registryScope/internal/model"
	"registryScope/internal/registry"
)

// apply dispatches one decoded event to its handler. The cache entry is the
// only mutated state; handlers are upserts so reapplying a range converges.
func (ix *Indexer) apply(ctx context.Context, event registry.Event) error {
	switch ev := event.(type) {
	case registry.Registered:
		return ix.applyRegistered(ctx, ev)
	case registry.Activated:
		return ix.applyTransition(ctx, ev, model.StateActive, func(rec *model.ServiceRecord) error {
			if rec.State != model.StatePending {
				return fmt.Errorf("activated from %s", rec.State)
			}
			return nil
		})
	case registry.Challenged:
		return ix.applyTransition(ctx, ev, model.StateChallenged, func(rec *model.ServiceRecord) error {
			if rec.State != model.StateActive {
				return fmt.Errorf("challenged from %s", rec.State)
			}
			rec.Challenger = ev.Challenger
			rec.ChallengeDeadline = ev.Deadline
			return nil
		})
	case registry.Slashed:
		return ix.applyTransition(ctx, ev, model.StateSlashed, func(rec *model.ServiceRecord) error {
			if rec.State != model.StateActive && rec.State != model.StateChallenged {
				return fmt.Errorf("slashed from %s", rec.State)
			}
			return nil
		})
	case registry.Withdrawn:
		return ix.applyTransition(ctx, ev, model.StateWithdrawn, func(rec *model.ServiceRecord) error {
			if rec.State != model.StatePending && rec.State != model.StateActive {
				return fmt.Errorf("withdrawn from %s", rec.State)
			}
			return nil
		})
	case registry.ChallengeResolved:
		// The detail entry is evicted outright rather than mutated in
		// place; the next rebuild or registry read repopulates it.
		return ix.cache.Invalidate(ctx, ev.Kind(), ev.ServiceID())
	case registry.ReputationUpdated:
		return ix.applyReputation(ctx, ev)
	default:
		return fmt.Errorf("unhandled event kind %T", event)
	}
}

// applyRegistered creates the entity at Pending with a zero stake
// placeholder, then best-effort enriches stake with a raw contract read.
func (ix *Indexer) applyRegistered(ctx context.Context, ev registry.Registered) error {
	var existing model.ServiceRecord
	err := ix.cache.Get(ctx, cache.CategoryDetail, ev.ServiceID(), &existing)
	if err == nil {
		// Reapplied registration; keep the projected state.
		return ix.cache.Invalidate(ctx, ev.Kind(), ev.ServiceID())
	}
	if !errors.Is(err, cache.ErrMiss) {
		return err
	}

	registeredAt, err := ix.failover.BlockTimestamp(ctx, ev.BlockNumber)
	if err != nil {
		ix.logger.Warn("block timestamp unavailable", zap.Uint64("block", ev.BlockNumber), zap.Error(err))
	}

	record := model.ServiceRecord{
		ID:           ev.ServiceID(),
		Provider:     ev.Provider,
		Stake:        new(big.Int),
		State:        model.StatePending,
		MetadataURI:  ev.MetadataURI,
		RegisteredAt: registeredAt,
	}

	if stake, err := registry.ReadStake(ctx, ix.failover, ix.cfg.ContractAddress, ev.ServiceID()); err != nil {
		ix.logger.Debug("stake enrichment failed, keeping placeholder",
			zap.String("service_id", ev.ServiceID()), zap.Error(err))
	} else {
		record.Stake = stake
	}

	if err := ix.cache.Set(ctx, cache.CategoryDetail, record.ID, record); err != nil {
		return err
	}
	return ix.cache.Invalidate(ctx, ev.Kind(), record.ID)
}

// applyTransition loads the entity, validates and applies the state change,
// and writes it back. An entity missing from cache is unknown and never
// fabricated; terminal states are never left.
func (ix *Indexer) applyTransition(ctx context.Context, ev registry.Event, next model.ServiceState, mutate func(*model.ServiceRecord) error) error {
	var record model.ServiceRecord
	if err := ix.cache.Get(ctx, cache.CategoryDetail, ev.ServiceID(), &record); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return fmt.Errorf("%s for unknown service", ev.Kind())
		}
		return err
	}

	if record.State.Terminal() {
		return fmt.Errorf("%s on terminal state %s", ev.Kind(), record.State)
	}
	if err := mutate(&record); err != nil {
		return fmt.Errorf("invalid transition: %w", err)
	}
	record.State = next

	if err := ix.cache.Set(ctx, cache.CategoryDetail, record.ID, record); err != nil {
		return err
	}
	return ix.cache.Invalidate(ctx, ev.Kind(), record.ID)
}

// applyReputation evicts the reputation sub-key and writes the freshly
// decoded counters, leaving the rest of the entity untouched.
func (ix *Indexer) applyReputation(ctx context.Context, ev registry.ReputationUpdated) error {
	if err := ix.cache.Invalidate(ctx, ev.Kind(), ev.ServiceID()); err != nil {
		return err
	}

	rep := model.ReputationRecord{
		TotalCalls:    ev.TotalCalls,
		SuccessCount:  ev.SuccessCount,
		BayesianScore: ev.BayesianScore,
		DisplayScore:  model.DisplayFromBayesian(ev.BayesianScore),
		LastUpdated:   ev.BlockNumber,
	}
	return ix.cache.Set(ctx, cache.CategoryReputation, ev.ServiceID(), rep)
}

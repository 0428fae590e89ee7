package services

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"

	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/application/ports"
	"github.com/Marketen/participation-indexer/internal/logger"
)

// hotCommitteeLimit is the size above which the in-memory cache is pruned to the last
// two epochs. Mainnet has up to 64 committees per slot.
const hotCommitteeLimit = 64 * 2 * int(domain.SlotsPerEpoch)

// CommitteeResolver finds the committee for (slot, index): in-process cache first, then
// the repository store, then the beacon node. Committees never change once published,
// so cached entries are never revalidated.
type CommitteeResolver struct {
	beacon     ports.BeaconChainAdapter
	committees ports.CommitteeRepository

	hot         *xsync.Map[domain.CommitteeKey, domain.Committee]
	highestSlot atomic.Uint64
	inflight    singleflight.Group
}

func NewCommitteeResolver(beacon ports.BeaconChainAdapter, committees ports.CommitteeRepository) *CommitteeResolver {
	return &CommitteeResolver{
		beacon:     beacon,
		committees: committees,
		hot:        xsync.NewMap[domain.CommitteeKey, domain.Committee](),
	}
}

// Resolve returns the committee for (slot, index). It returns domain.ErrNotFound only
// when the beacon node has no such committee either.
func (r *CommitteeResolver) Resolve(
	ctx context.Context,
	slot domain.Slot,
	index domain.CommitteeIndex,
) (domain.Committee, error) {
	key := domain.CommitteeKey{Slot: slot, Index: index}
	if c, ok := r.hot.Load(key); ok {
		committeeResolutions.WithLabelValues(resolvedMemory).Inc()
		return c, nil
	}

	v, err, _ := r.inflight.Do(fmt.Sprintf("%d/%d", slot, index), func() (interface{}, error) {
		return r.resolveCold(ctx, key)
	})
	if err != nil {
		return domain.Committee{}, err
	}
	c := v.(domain.Committee)
	r.remember(c)
	return c, nil
}

// ResolveAll resolves several committees of one slot, in the given order.
func (r *CommitteeResolver) ResolveAll(
	ctx context.Context,
	slot domain.Slot,
	indices []domain.CommitteeIndex,
) ([]domain.Committee, error) {
	out := make([]domain.Committee, 0, len(indices))
	for _, idx := range indices {
		c, err := r.Resolve(ctx, slot, idx)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *CommitteeResolver) resolveCold(ctx context.Context, key domain.CommitteeKey) (domain.Committee, error) {
	c, err := r.committees.Get(ctx, key)
	if err == nil {
		committeeResolutions.WithLabelValues(resolvedStore).Inc()
		return c, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Committee{}, err
	}

	slot, index := key.Slot, key.Index
	logger.Debug("Committee slot=%d index=%d not in store, fetching from beacon node", slot, index)
	fetched, err := r.beacon.CommitteesForState(ctx, domain.AtSlot(slot), ports.CommitteeFilter{
		Index: &index,
		Slot:  &slot,
	})
	if err != nil {
		return domain.Committee{}, fmt.Errorf("fetch committee slot %d index %d: %w", slot, index, err)
	}

	for _, candidate := range fetched {
		if candidate.Key() != key {
			continue
		}
		if err := r.committees.Upsert(ctx, candidate); err != nil {
			return domain.Committee{}, fmt.Errorf("persist committee slot %d index %d: %w", slot, index, err)
		}
		committeeResolutions.WithLabelValues(resolvedBeacon).Inc()
		return candidate, nil
	}
	return domain.Committee{}, fmt.Errorf("%w: committee slot %d index %d", domain.ErrNotFound, slot, index)
}

func (r *CommitteeResolver) remember(c domain.Committee) {
	for {
		cur := r.highestSlot.Load()
		if uint64(c.Slot) <= cur || r.highestSlot.CompareAndSwap(cur, uint64(c.Slot)) {
			break
		}
	}
	r.hot.Store(c.Key(), c)

	if r.hot.Size() <= hotCommitteeLimit {
		return
	}
	highest := domain.Slot(r.highestSlot.Load())
	if highest < 2*domain.SlotsPerEpoch {
		return
	}
	cutoff := highest - 2*domain.SlotsPerEpoch
	r.hot.Range(func(k domain.CommitteeKey, _ domain.Committee) bool {
		if k.Slot < cutoff {
			r.hot.Delete(k)
		}
		return true
	})
}

package allocation

import (
	"fmt"
	"math"
	"sort"

	"almacenpos/backend/internal/store"
)

// WeightedBucket is one target of a weighted split. Key is carried through
// unchanged so callers can map results back to their own entities.
type WeightedBucket struct {
	Key    string
	Weight int64
}

type Allocation struct {
	Key    string
	Amount int64
}

// AllocateByWeight splits total across the buckets proportionally to their
// weights using integer division, then hands the remaining units to the
// buckets with the largest division remainders. Ties go to the bucket that
// was declared first. The returned amounts always sum to total exactly and
// come back in input order.
func AllocateByWeight(total int64, buckets []WeightedBucket) ([]Allocation, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: total must not be negative", store.ErrInvalidInput)
	}
	if len(buckets) == 0 {
		return nil, fmt.Errorf("%w: at least one bucket is required", store.ErrInvalidInput)
	}

	sumWeights := int64(0)
	for _, bucket := range buckets {
		if bucket.Weight < 0 {
			return nil, fmt.Errorf("%w: bucket %q has negative weight", store.ErrInvalidInput, bucket.Key)
		}
		sumWeights += bucket.Weight
	}
	if sumWeights == 0 {
		return nil, fmt.Errorf("%w: weights sum to zero", store.ErrInvalidInput)
	}

	type slot struct {
		index     int
		remainder int64
	}

	result := make([]Allocation, len(buckets))
	slots := make([]slot, len(buckets))
	assigned := int64(0)

	for i, bucket := range buckets {
		if bucket.Weight > 0 && total > math.MaxInt64/bucket.Weight {
			return nil, fmt.Errorf("%w: total %d times weight %d overflows", store.ErrInvalidInput, total, bucket.Weight)
		}
		scaled := total * bucket.Weight
		base := scaled / sumWeights
		result[i] = Allocation{Key: bucket.Key, Amount: base}
		slots[i] = slot{index: i, remainder: scaled % sumWeights}
		assigned += base
	}

	// Stable sort keeps equal remainders in declaration order.
	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].remainder > slots[j].remainder
	})

	shortfall := total - assigned
	for i := int64(0); i < shortfall; i++ {
		result[slots[i].index].Amount++
	}

	return result, nil
}

// AllocateByQuantity splits bucketTotal over quantity equal units. The first
// `remainder` units carry base+1 and the rest carry base, so that
// base*(quantity-remainder) + (base+1)*remainder == bucketTotal.
func AllocateByQuantity(bucketTotal int64, quantity int64) (base int64, remainder int64, err error) {
	if bucketTotal < 0 {
		return 0, 0, fmt.Errorf("%w: bucket total must not be negative", store.ErrInvalidInput)
	}
	if quantity <= 0 {
		return 0, 0, fmt.Errorf("%w: quantity must be positive", store.ErrInvalidInput)
	}
	return bucketTotal / quantity, bucketTotal % quantity, nil
}

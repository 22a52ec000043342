package book

import "sort"

// side scale used to key price levels as integers, avoiding float-map
// pitfalls (NaN keys, -0 vs 0, equal-but-differently-rounded prices) while
// keeping the stored quantity as a plain float64. 1e8 gives satoshi (1e-8)
// precision for any perpetual's tick size in practice.
const priceScale = 1e8

func priceKey(price float64) int64 {
	return int64(price*priceScale + 0.5)
}

func keyPrice(key int64) float64 {
	return float64(key) / priceScale
}

// side is a sorted-price-level cache over a map. Go has no BTreeMap, so the
// map carries the authoritative (price -> qty) data and sortedKeys is
// rebuilt lazily the next time a sorted view is requested after a mutation.
type side struct {
	levels     map[int64]float64
	sortedKeys []int64
	dirty      bool
	descending bool // true for bids (best = max), false for asks (best = min)
}

func newSide(descending bool) *side {
	return &side{levels: make(map[int64]float64), descending: descending}
}

func (s *side) set(price, qty float64) {
	k := priceKey(price)
	if qty == 0 {
		if _, ok := s.levels[k]; ok {
			delete(s.levels, k)
			s.dirty = true
		}
		return
	}
	s.levels[k] = qty
	s.dirty = true
}

func (s *side) get(price float64) (float64, bool) {
	q, ok := s.levels[priceKey(price)]
	return q, ok
}

func (s *side) removeZeros() {
	for k, q := range s.levels {
		if q <= 0 {
			delete(s.levels, k)
			s.dirty = true
		}
	}
}

// dropAbove removes every stored level with price > p (used after a bid
// write to enforce top-of-book crossing protection).
func (s *side) dropAbove(p float64) {
	cut := priceKey(p)
	for k := range s.levels {
		if k > cut {
			delete(s.levels, k)
			s.dirty = true
		}
	}
}

// dropBelow removes every stored level with price < p (ask-side symmetric
// crossing protection).
func (s *side) dropBelow(p float64) {
	cut := priceKey(p)
	for k := range s.levels {
		if k < cut {
			delete(s.levels, k)
			s.dirty = true
		}
	}
}

func (s *side) refresh() {
	if !s.dirty {
		return
	}
	keys := make([]int64, 0, len(s.levels))
	for k := range s.levels {
		keys = append(keys, k)
	}
	if s.descending {
		sort.Slice(keys, func(i, j int) bool { return keys[i] > keys[j] })
	} else {
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	}
	s.sortedKeys = keys
	s.dirty = false
}

// best returns the best (price, qty) for this side, or zero values if empty.
func (s *side) best() (price, qty float64) {
	s.refresh()
	if len(s.sortedKeys) == 0 {
		return 0, 0
	}
	k := s.sortedKeys[0]
	return keyPrice(k), s.levels[k]
}

// top returns the top n levels in the side's natural best-first order.
func (s *side) top(n int) []Level {
	s.refresh()
	if n > len(s.sortedKeys) {
		n = len(s.sortedKeys)
	}
	out := make([]Level, n)
	for i := 0; i < n; i++ {
		k := s.sortedKeys[i]
		out[i] = Level{Price: keyPrice(k), Qty: s.levels[k]}
	}
	return out
}

func (s *side) len() int {
	return len(s.levels)
}

// Level is a (price, qty) pair surfaced to callers outside the package.
type Level struct {
	Price float64
	Qty   float64
}

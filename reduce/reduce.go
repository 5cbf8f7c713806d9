// Package reduce implements a multi-way tree reduction.
//
// Compared to a linear fold, a tree keeps sibling merges independent and
// lets inputs be released as soon as their group is combined, so peak
// resident memory is bounded by groups in flight rather than by the
// total input count.
package reduce

import "errors"

// DefaultBranching is used when the caller passes a branching factor
// below 2.
const DefaultBranching = 8

// ErrEmptyInput is returned when there is nothing to reduce.
var ErrEmptyInput = errors.New("reduce: empty input")

// Tree combines items into a single value by repeatedly merging
// contiguous groups of at most branching items until one remains. Group
// order follows input order, so the result is deterministic for any
// combine function; a commutative combine additionally makes the effect
// independent of how items were ordered in the first place.
//
// A single item is returned unchanged, with zero combine calls. An empty
// input or a combine error aborts the reduction.
func Tree[T any](items []T, branching int, combine func(first T, rest ...T) (T, error)) (T, error) {
	var zero T
	if len(items) == 0 {
		return zero, ErrEmptyInput
	}
	if branching < 2 {
		branching = DefaultBranching
	}

	level := items
	for len(level) > 1 {
		next := make([]T, 0, (len(level)+branching-1)/branching)
		for i := 0; i < len(level); i += branching {
			group := level[i:min(i+branching, len(level))]
			if len(group) == 1 {
				next = append(next, group[0])
				continue
			}
			merged, err := combine(group[0], group[1:]...)
			if err != nil {
				return zero, err
			}
			next = append(next, merged)
		}
		// Drop the previous level so combined inputs can be reclaimed
		// while upper levels run.
		level = next
	}
	return level[0], nil
}

// Levels reports how many combine passes Tree performs over n items.
func Levels(n, branching int) int {
	if branching < 2 {
		branching = DefaultBranching
	}
	levels := 0
	for n > 1 {
		n = (n + branching - 1) / branching
		levels++
	}
	return levels
}

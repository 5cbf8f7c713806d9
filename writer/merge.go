package writer

import "github.com/firnlabs/firn"

// MergeChangeSets is the combine operation of the tree reduction: it
// applies each of rest, in order, on top of first. first is consumed
// (mutated and returned); rest are left intact. The store-visible effect
// is independent of input order and grouping as long as the change-sets
// touch disjoint chunk locations, which the write planner guarantees;
// an overlap fails with firn.ConflictError.
func MergeChangeSets(first *firn.ChangeSet, rest ...*firn.ChangeSet) (*firn.ChangeSet, error) {
	if err := first.Merge(rest...); err != nil {
		return nil, err
	}
	return first, nil
}

/*
Package firn implements a versioned, content-addressed store for chunked
n-dimensional arrays (on top of Bolt, or an in-memory backend for tests).

We implement:

1. Arrays, n-dimensional float64 grids split into fixed-shape chunks.

2. Snapshots, immutable versions of the whole store; each snapshot maps
chunk keys to content addresses and records array metadata.

3. Sessions, prospective transactions against a base snapshot. A session
accumulates pending mutations (a change-set), can be forked into
independent handles that are mutated concurrently and merged back, and
is committed atomically to produce a new snapshot.

4. Change-sets, serializable records of a session's pending mutations.
Change-sets produced by forks over disjoint chunk locations form a
commutative monoid under merge, which is what makes distributed writes
reconcilable (see the writer subpackage).

# Technical Details

**Buckets.**
We keep three flat buckets: “blobs” (content address → chunk payload),
“snapshots” (snapshot id → snapshot record), “refs” (branch name →
snapshot id), plus a “meta” bucket holding a format marker verified on
open.

**Content addresses.**
A chunk payload's address is its xxhash64. Identical payloads dedupe.
Payloads are little-endian float64s in row-major order.

**Snapshot ids.**
ULIDs, so ids sort by creation time.

**Value encoding.**
Snapshot records and change-sets are msgpack with sorted map keys, so
equal logical content encodes to identical bytes.

**Merging.**
Merging a change-set whose chunk keys overlap the receiver's is refused
with a ConflictError. Disjointness of concurrent writes is the write
planner's job; the check here is a backstop.
*/
package firn

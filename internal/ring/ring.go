// Package ring implements the consistent-hash ring that pins every device
// to one telemetry aggregation shard. Each shard owns a set of virtual
// points on a 128-bit md5 ring; routing walks clockwise to the first point
// at or past the device hash. Adding or removing a shard only moves the
// devices in the narrow ranges adjacent to that shard's points, so the
// expected remap fraction is O(1/R) rather than O(1).
package ring

import (
	"bytes"
	"crypto/md5"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrLastShard is returned when removal would leave the ring empty.
var ErrLastShard = errors.New("cannot remove the last shard from the ring")

type point struct {
	pos   [md5.Size]byte
	shard int
}

// state is one immutable ring snapshot. Readers load it atomically and
// never see a ring mid-rebuild.
type state struct {
	points []point // sorted by position
	shards []int   // sorted shard ids
}

// Ring maps device identifiers to shard ids.
type Ring struct {
	virtualNodes int

	mu    sync.Mutex // serializes rebuilds
	state atomic.Pointer[state]
}

// New builds a ring with shards 1..numShards, each holding virtualNodes
// points.
func New(numShards, virtualNodes int) *Ring {
	if numShards < 1 {
		numShards = 1
	}
	if virtualNodes < 1 {
		virtualNodes = 1
	}
	r := &Ring{virtualNodes: virtualNodes}

	shards := make([]int, 0, numShards)
	for id := 1; id <= numShards; id++ {
		shards = append(shards, id)
	}
	r.state.Store(build(shards, virtualNodes))
	return r
}

func position(key string) [md5.Size]byte {
	return md5.Sum([]byte(key))
}

func build(shards []int, virtualNodes int) *state {
	points := make([]point, 0, len(shards)*virtualNodes)
	for _, id := range shards {
		for v := 0; v < virtualNodes; v++ {
			points = append(points, point{
				pos:   position(fmt.Sprintf("shard_%d_vnode_%d", id, v)),
				shard: id,
			})
		}
	}
	sort.Slice(points, func(i, j int) bool {
		return bytes.Compare(points[i].pos[:], points[j].pos[:]) < 0
	})
	sorted := append([]int(nil), shards...)
	sort.Ints(sorted)
	return &state{points: points, shards: sorted}
}

// Route returns the shard that owns deviceID. It is a pure function of the
// current ring snapshot and the id: the same device always maps to the
// same shard until the shard set changes.
func (r *Ring) Route(deviceID string) int {
	s := r.state.Load()
	h := position(deviceID)

	// First point with position >= hash, wrapping to the first point.
	i := sort.Search(len(s.points), func(i int) bool {
		return bytes.Compare(s.points[i].pos[:], h[:]) >= 0
	})
	if i == len(s.points) {
		i = 0
	}
	return s.points[i].shard
}

// AddShard places a new shard on the ring and returns its id.
func (r *Ring) AddShard() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.state.Load()
	id := s.shards[len(s.shards)-1] + 1
	r.state.Store(build(append(append([]int(nil), s.shards...), id), r.virtualNodes))
	return id
}

// RemoveShard takes a shard off the ring. Removing the last remaining
// shard is rejected and leaves the ring unchanged.
func (r *Ring) RemoveShard(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.state.Load()
	if len(s.shards) == 1 {
		return ErrLastShard
	}
	remaining := make([]int, 0, len(s.shards)-1)
	for _, sh := range s.shards {
		if sh != id {
			remaining = append(remaining, sh)
		}
	}
	if len(remaining) == len(s.shards) {
		return fmt.Errorf("shard %d is not on the ring", id)
	}
	r.state.Store(build(remaining, r.virtualNodes))
	return nil
}

// Shards returns the current shard ids in ascending order.
func (r *Ring) Shards() []int {
	s := r.state.Load()
	return append([]int(nil), s.shards...)
}

// Size returns the number of virtual points on the ring.
func (r *Ring) Size() int {
	return len(r.state.Load().points)
}

// Distribution counts how many of the given device ids each shard owns.
func (r *Ring) Distribution(deviceIDs []string) map[int]int {
	dist := make(map[int]int)
	for _, id := range r.state.Load().shards {
		dist[id] = 0
	}
	for _, id := range deviceIDs {
		dist[r.Route(id)]++
	}
	return dist
}

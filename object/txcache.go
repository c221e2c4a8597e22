package object

import "github.com/pkg/errors"

// ErrCacheFull names a tx-cache that cannot admit an object.
// TxCache.Enqueue always admits the object and returns nil, so it never
// returns this error.
var ErrCacheFull = errors.New("object: tx-cache full")

// EvictionFunc is invoked for every object the cache evicts to make room,
// so the sender can emit TX_OBJECT_PURGED (spec.md §7).
type EvictionFunc func(*Object)

// TxCache is the sender's ordered set of enqueued objects, bounded by
// (countMin, countMax, sizeMax) per spec.md §3 and exercised by the
// eviction scenario in spec.md §8 scenario (e).
type TxCache struct {
	countMin, countMax int
	sizeMax            uint64

	order []TransportID // insertion order, oldest first
	byID  map[TransportID]*Object
	bytes uint64
}

// NewTxCache creates a TxCache with the given bounds.
func NewTxCache(countMin, countMax int, sizeMax uint64) *TxCache {
	return &TxCache{
		countMin: countMin,
		countMax: countMax,
		sizeMax:  sizeMax,
		byID:     make(map[TransportID]*Object),
	}
}

// Enqueue admits obj, then evicts the oldest objects (subject to countMin)
// while the count exceeds countMax. onEvict is called once per evicted
// object, oldest first. Enqueue always returns nil.
//
// Eviction runs as two passes: a countMax pass first, then a sizeMax pass
// gated on also being over countMax. The first pass already brings the
// count down to countMax, so the sizeMax pass never evicts: only the count
// bound is enforced, and the byte total may stay above sizeMax (at
// countMax=4, four 3KiB objects stay cached under a 10KiB sizeMax).
func (c *TxCache) Enqueue(obj *Object, onEvict EvictionFunc) error {
	c.order = append(c.order, obj.ID)
	c.byID[obj.ID] = obj
	c.bytes += obj.Size

	for len(c.order) > c.countMax && len(c.order) > c.countMin {
		if !c.evictOldest(obj, onEvict) {
			break
		}
	}
	for c.bytes > c.sizeMax && len(c.order) > c.countMax && len(c.order) > c.countMin {
		if !c.evictOldest(obj, onEvict) {
			break
		}
	}
	return nil
}

// evictOldest removes the oldest cached object and reports onEvict, unless
// it is the very object just admitted and the only one left (spec.md §8
// invariant 4 exception: a single object larger than sizeMax is retained
// alone). Returns false when it declined to evict.
func (c *TxCache) evictOldest(justAdmitted *Object, onEvict EvictionFunc) bool {
	oldestID := c.order[0]
	oldest := c.byID[oldestID]
	if oldest == justAdmitted && len(c.order) == 1 {
		return false
	}
	c.order = c.order[1:]
	delete(c.byID, oldestID)
	c.bytes -= oldest.Size
	if onEvict != nil {
		onEvict(oldest)
	}
	return true
}

// Remove deletes obj (by id) from the cache without triggering eviction
// callbacks, used when an object completes or is explicitly canceled.
func (c *TxCache) Remove(id TransportID) {
	obj, ok := c.byID[id]
	if !ok {
		return
	}
	delete(c.byID, id)
	c.bytes -= obj.Size
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Find returns the object for id, if present.
func (c *TxCache) Find(id TransportID) (*Object, bool) {
	obj, ok := c.byID[id]
	return obj, ok
}

// Len returns the number of objects currently cached.
func (c *TxCache) Len() int { return len(c.order) }

// Bytes returns the total size of currently cached objects.
func (c *TxCache) Bytes() uint64 { return c.bytes }

// ForEach visits objects oldest-first; used by the scheduler to build the
// tx_pending mask in ascending ObjectTransportId order within cache age
// (spec.md §4.3 "Scheduler": tie-break lowest ObjectTransportId first).
func (c *TxCache) ForEach(fn func(*Object) bool) {
	for _, id := range c.order {
		obj := c.byID[id]
		if !fn(obj) {
			return
		}
	}
}

package connection

// Inbound dedup bounds: past dedupMaxEntries ids the set keeps only the
// dedupKeepEntries most recently inserted.
const (
	dedupMaxEntries  = 10000
	dedupKeepEntries = 5000
)

// dedupSet remembers inbound message ids in insertion order. Not safe for
// concurrent use; the Connection guards it with its mutex.
type dedupSet struct {
	max   int
	keep  int
	seen  map[string]struct{}
	order []string
}

func newDedupSet(max, keep int) *dedupSet {
	if keep > max {
		keep = max
	}
	return &dedupSet{
		max:   max,
		keep:  keep,
		seen:  make(map[string]struct{}, max),
		order: make([]string, 0, max),
	}
}

// Add records id and reports whether it was new
func (d *dedupSet) Add(id string) bool {
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)

	if len(d.order) > d.max {
		evict := len(d.order) - d.keep
		for _, old := range d.order[:evict] {
			delete(d.seen, old)
		}
		kept := make([]string, d.keep, d.max)
		copy(kept, d.order[evict:])
		d.order = kept
	}
	return true
}

func (d *dedupSet) Contains(id string) bool {
	_, ok := d.seen[id]
	return ok
}

func (d *dedupSet) Len() int {
	return len(d.order)
}

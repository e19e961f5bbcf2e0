package idgen

// Bounded returns values 1,2,3... up to Limit-1, then wraps around to 1.
// Zero is never generated. IDs that the caller reports as still in use are skipped.
// Bounded is not safe for concurrent use.
type Bounded struct {
	Limit uint32
	next  uint32
}

func NewBounded(limit uint32) *Bounded {
	if limit < 2 {
		panic("idgen: limit must be at least 2")
	}
	return &Bounded{Limit: limit}
}

// Next returns the next free ID. If every ID below Limit is in use, the
// sequence simply continues and a live ID is returned.
func (b *Bounded) Next(inUse func(id uint32) bool) uint32 {
	for tries := uint32(1); tries < b.Limit; tries++ {
		b.next++
		if b.next >= b.Limit {
			b.next = 1
		}
		if inUse == nil || !inUse(b.next) {
			return b.next
		}
	}
	return b.next
}

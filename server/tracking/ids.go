package tracking

import "github.com/Luis-Dokkaebi/eficiencia/pkg/idgen"

// IDPool hands out local track IDs below a limit, and never hands out an ID
// that is still held. An IDPool is not safe for concurrent use.
type IDPool struct {
	gen  *idgen.Bounded
	live map[uint32]bool
}

// NewIDPool creates a pool of IDs in [1, limit). A zero limit, or one above OffsetStride,
// means OffsetStride.
func NewIDPool(limit uint32) *IDPool {
	if limit == 0 || limit > OffsetStride {
		limit = OffsetStride
	}
	return &IDPool{
		gen:  idgen.NewBounded(limit),
		live: map[uint32]bool{},
	}
}

func (p *IDPool) Acquire() uint32 {
	id := p.gen.Next(p.InUse)
	p.live[id] = true
	return id
}

func (p *IDPool) Release(id uint32) {
	delete(p.live, id)
}

func (p *IDPool) InUse(id uint32) bool {
	return p.live[id]
}

// NumInUse returns the number of IDs currently held
func (p *IDPool) NumInUse() int {
	return len(p.live)
}

package session

import (
	"image"
	"slices"

	"github.com/terava/loupe/media"
)

// disorderBudget is how many out-of-order arrivals the collector absorbs
// without progress before force-advancing past a missing index. A
// processing worker that lost a frame would otherwise stall the encoder
// forever.
const disorderBudget = 5

// collector restores capture order behind the parallel processing pool.
// Frames arrive keyed by the dense total index the forward worker
// stamped; they leave in strictly increasing, mostly consecutive order.
type collector struct {
	expected uint64
	pending  map[uint64]*image.RGBA
	stalls   int
	stats    *Stats
}

func newCollector(stats *Stats) *collector {
	return &collector{pending: make(map[uint64]*image.RGBA), stats: stats}
}

// add accepts one processed frame and returns every frame that is now
// emittable in order.
func (c *collector) add(index uint64, img *image.RGBA) []media.ResizedFrame {
	switch {
	case index < c.expected:
		c.stats.LateDrops.Add(1)
		return nil

	case index > c.expected:
		c.pending[index] = img
		c.stalls++
		if c.stalls >= disorderBudget {
			// Give up on the missing index and catch up.
			c.expected++
			c.stats.CatchUps.Add(1)
			c.stalls = 0
			return c.drain()
		}
		return nil
	}

	out := []media.ResizedFrame{{TotalIndex: index, Image: img}}
	c.expected++
	c.stalls = 0
	return append(out, c.drain()...)
}

// drain pops consecutive pending frames starting at expected.
func (c *collector) drain() []media.ResizedFrame {
	var out []media.ResizedFrame
	for {
		img, ok := c.pending[c.expected]
		if !ok {
			return out
		}
		delete(c.pending, c.expected)
		out = append(out, media.ResizedFrame{TotalIndex: c.expected, Image: img})
		c.expected++
		c.stalls = 0
	}
}

// flush returns whatever trailing frames remain, in index order,
// skipping gaps. Called once at shutdown.
func (c *collector) flush() []media.ResizedFrame {
	indices := make([]uint64, 0, len(c.pending))
	for idx := range c.pending {
		indices = append(indices, idx)
	}
	slices.Sort(indices)

	out := make([]media.ResizedFrame, 0, len(indices))
	for _, idx := range indices {
		out = append(out, media.ResizedFrame{TotalIndex: idx, Image: c.pending[idx]})
		if idx >= c.expected {
			c.expected = idx + 1
		}
	}
	c.pending = make(map[uint64]*image.RGBA)
	return out
}

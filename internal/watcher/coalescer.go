package watcher

import (
	"cmp"
	"mere/internal/model"
	"mere/internal/pathmap"
	"slices"
	"strings"
	"time"
)

type pendingWrite struct {
	seq    uint64
	last   time.Time
	closed bool
	// writing is set once content changed after the path appeared. A close
	// aware source waits for the close only in that case.
	writing bool
}

type pendingMove struct {
	seq    uint64
	from   string
	cookie uint32
	dir    bool
	at     time.Time
}

type sequenced struct {
	seq uint64
	ev  model.ChangeEvent
}

// coalescer turns raw notifications into ChangeEvents. It holds no clock and
// no goroutine: handle and flush take the current time, which keeps it
// deterministic under test.
type coalescer struct {
	inScope    func(string) bool
	roots      []string
	closeAware bool
	settle     time.Duration
	quiet      time.Duration
	moveWindow time.Duration

	seq    uint64
	writes map[string]*pendingWrite
	moves  []*pendingMove
}

func newCoalescer(inScope func(string) bool, roots []string, closeAware bool, opts Options) *coalescer {
	return &coalescer{
		inScope:    inScope,
		roots:      roots,
		closeAware: closeAware,
		settle:     opts.Settle,
		quiet:      opts.Quiet,
		moveWindow: opts.MoveWindow,
		writes:     make(map[string]*pendingWrite),
	}
}

func (c *coalescer) handle(ev rawEvent, now time.Time) []model.ChangeEvent {
	var out []sequenced

	switch ev.op {
	case rawCreate:
		if !c.closeAware {
			if m := c.takeGuessedMove(ev.dir, now); m != nil {
				out = append(out, c.pair(m, ev.path, now)...)
				if !ev.dir {
					// the pairing is a guess, so the destination is uploaded too
					c.touch(ev.path, now, true)
				}
				break
			}
		}

		if !ev.dir {
			c.touch(ev.path, now, false)
		}

	case rawWrite:
		if w := c.touch(ev.path, now, false); w != nil {
			w.writing = true
		}

	case rawClose, rawExisting:
		c.touch(ev.path, now, true)

	case rawRemove:
		c.dropWrites(ev.path)
		out = append(out, c.deleted(ev.path, now)...)

	case rawMovedFrom:
		c.moves = append(c.moves, &pendingMove{
			seq:    c.next(),
			from:   ev.path,
			cookie: ev.cookie,
			dir:    ev.dir,
			at:     now,
		})

	case rawMovedTo:
		if m := c.takeMove(ev.cookie); m != nil {
			out = append(out, c.pair(m, ev.path, now)...)
			break
		}

		c.movedIn(ev.path, ev.dir, now)
	}

	return ordered(out)
}

// flush emits writes that have settled and resolves moves whose partner
// never arrived as deletions.
func (c *coalescer) flush(now time.Time) []model.ChangeEvent {
	var out []sequenced

	for p, w := range c.writes {
		settled := w.closed && now.Sub(w.last) >= c.settle
		quiet := (!c.closeAware || !w.writing) && now.Sub(w.last) >= c.quiet
		if settled || quiet {
			out = append(out, sequenced{seq: w.seq, ev: stamp(model.Written(p), now)})
			delete(c.writes, p)
		}
	}

	kept := c.moves[:0]
	for _, m := range c.moves {
		if now.Sub(m.at) < c.moveWindow {
			kept = append(kept, m)
			continue
		}

		c.dropWrites(m.from)
		out = append(out, c.deleted(m.from, now)...)
	}
	clear(c.moves[len(kept):])
	c.moves = kept

	return ordered(out)
}

// pending reports whether anything is waiting for time to pass.
func (c *coalescer) pending() bool {
	return len(c.writes) > 0 || len(c.moves) > 0
}

func (c *coalescer) pair(m *pendingMove, to string, now time.Time) []sequenced {
	if m.from == to {
		return nil
	}

	fromIn, toIn := c.inScope(m.from), c.inScope(to)

	switch {
	case fromIn && toIn:
		c.dropWrites(to)
		c.transferWrites(m.from, to)
		return []sequenced{{seq: c.next(), ev: stamp(model.Moved(m.from, to), now)}}

	case toIn:
		c.dropWrites(m.from)
		c.movedIn(to, m.dir, now)
		return nil

	default:
		c.dropWrites(m.from)
		return c.deleted(m.from, now)
	}
}

// movedIn handles an arrival from outside every target. Files inside a
// moved-in directory are reported by the source as rawExisting.
func (c *coalescer) movedIn(p string, dir bool, now time.Time) {
	if !dir {
		c.touch(p, now, true)
	}
}

// deleted reports p, or when p itself is out of scope, every target root it
// contained.
func (c *coalescer) deleted(p string, now time.Time) []sequenced {
	if c.inScope(p) {
		return []sequenced{{seq: c.next(), ev: stamp(model.Deleted(p), now)}}
	}

	var out []sequenced
	for _, r := range c.roots {
		if r != p && pathmap.Under(r, p) {
			out = append(out, sequenced{seq: c.next(), ev: stamp(model.Deleted(r), now)})
		}
	}

	return out
}

func (c *coalescer) touch(p string, now time.Time, closed bool) *pendingWrite {
	if !c.inScope(p) {
		return nil
	}

	w, ok := c.writes[p]
	if !ok {
		w = &pendingWrite{seq: c.next()}
		c.writes[p] = w
	}

	w.last = now
	w.closed = closed
	return w
}

func (c *coalescer) dropWrites(p string) {
	for wp := range c.writes {
		if pathmap.Under(wp, p) {
			delete(c.writes, wp)
		}
	}
}

// transferWrites re-targets pending writes below a moved path, so their
// upload follows the remote rename instead of racing it.
func (c *coalescer) transferWrites(from, to string) {
	moved := make(map[string]*pendingWrite)
	for wp, w := range c.writes {
		if pathmap.Under(wp, from) {
			delete(c.writes, wp)
			moved[to+strings.TrimPrefix(wp, from)] = w
		}
	}

	for p, w := range moved {
		if c.inScope(p) {
			c.writes[p] = w
		}
	}
}

func (c *coalescer) takeMove(cookie uint32) *pendingMove {
	if cookie == 0 {
		return nil
	}

	for i, m := range c.moves {
		if m.cookie == cookie {
			c.moves = slices.Delete(c.moves, i, i+1)
			return m
		}
	}

	return nil
}

// takeGuessedMove pairs a create with the latest cookie-less move of the same
// kind, the way a rename surfaces through a source without cookies.
func (c *coalescer) takeGuessedMove(dir bool, now time.Time) *pendingMove {
	for i := len(c.moves) - 1; i >= 0; i-- {
		m := c.moves[i]
		if m.cookie != 0 || m.dir != dir || now.Sub(m.at) >= c.moveWindow {
			continue
		}

		c.moves = slices.Delete(c.moves, i, i+1)
		return m
	}

	return nil
}

func (c *coalescer) next() uint64 {
	c.seq++
	return c.seq
}

func stamp(ev model.ChangeEvent, now time.Time) model.ChangeEvent {
	ev.At = now
	return ev
}

func ordered(in []sequenced) []model.ChangeEvent {
	if len(in) == 0 {
		return nil
	}

	slices.SortFunc(in, func(a, b sequenced) int {
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]model.ChangeEvent, len(in))
	for i, s := range in {
		out[i] = s.ev
	}

	return out
}

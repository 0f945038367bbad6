package watch

import (
	"path/filepath"
	"strings"
)

// pending is one slot in the coalesced output, kept at the position where
// its path was first seen.
type pending struct {
	ev      Event
	replace bool // emit Removed(ev.Path) before ev
	dropped bool
}

type coalescer struct {
	entries []*pending
	byPath  map[string]*pending
}

// Coalesce reduces a burst of raw events to the minimal ordered sequence
// with the same net effect on the destination tree. A path created and then
// removed inside one burst disappears entirely.
func Coalesce(events []Event) []Event {
	c := &coalescer{byPath: make(map[string]*pending)}
	for _, ev := range events {
		c.add(ev)
	}
	return c.result()
}

func (c *coalescer) add(ev Event) {
	switch ev.Op {
	case OpCreated:
		c.created(ev.Path)
	case OpModified:
		c.modified(ev.Path)
	case OpRemoved:
		c.removed(ev.Path)
	case OpRenamed:
		c.renamed(ev.From, ev.Path)
	}
}

func (c *coalescer) created(path string) {
	p, ok := c.byPath[path]
	if !ok {
		c.push(Created(path))
		return
	}
	switch p.ev.Op {
	case OpRemoved:
		p.ev = Created(path)
		p.replace = true
	case OpModified:
		p.ev = Created(path)
	}
}

func (c *coalescer) modified(path string) {
	p, ok := c.byPath[path]
	if !ok {
		c.push(Modified(path))
		return
	}
	if p.ev.Op == OpRemoved {
		// Only possible if the path was recreated in between.
		p.ev = Created(path)
		p.replace = true
	}
}

func (c *coalescer) removed(path string) {
	c.dropDescendants(path)

	p, ok := c.byPath[path]
	if !ok {
		c.push(Removed(path))
		return
	}
	switch p.ev.Op {
	case OpCreated:
		if !p.replace {
			// Never existed at the destination: nothing to do.
			c.drop(path)
			return
		}
		p.ev = Removed(path)
		p.replace = false
	case OpModified, OpRemoved:
		p.ev = Removed(path)
	case OpRenamed:
		from := p.ev.From
		p.ev = Removed(from)
		delete(c.byPath, path)
		if _, taken := c.byPath[from]; !taken {
			c.byPath[from] = p
		}
		c.push(Removed(path))
	}
}

func (c *coalescer) renamed(from, to string) {
	c.dropDescendants(from)

	if p, ok := c.byPath[from]; ok {
		switch p.ev.Op {
		case OpCreated:
			if p.replace {
				p.ev = Removed(from)
				p.replace = false
			} else {
				c.drop(from)
			}
			c.created(to)
			return
		case OpModified:
			c.drop(from)
		case OpRenamed:
			origin := p.ev.From
			delete(c.byPath, from)
			c.clearTarget(to)
			if origin == to {
				p.ev = Modified(to)
			} else {
				p.ev = Renamed(origin, to)
			}
			c.byPath[to] = p
			return
		}
	}

	c.clearTarget(to)
	c.push(Renamed(from, to))
}

// clearTarget discards pending work on a path about to be overwritten by a
// rename. Removals stay since they must run before the new content lands.
func (c *coalescer) clearTarget(to string) {
	q, ok := c.byPath[to]
	if !ok {
		return
	}
	switch q.ev.Op {
	case OpCreated, OpModified:
		if q.replace {
			q.ev = Removed(to)
			q.replace = false
			delete(c.byPath, to)
			return
		}
		c.drop(to)
	case OpRenamed:
		q.ev = Removed(q.ev.From)
		delete(c.byPath, to)
	case OpRemoved:
		delete(c.byPath, to)
	}
}

// dropDescendants discards pending work strictly below dir; removing or
// moving dir covers it.
func (c *coalescer) dropDescendants(dir string) {
	for _, p := range c.entries {
		if p.dropped {
			continue
		}
		if p.ev.Op == OpRenamed {
			toUnder := isUnder(dir, p.ev.Path)
			fromUnder := isUnder(dir, p.ev.From)
			switch {
			case toUnder && fromUnder:
				p.dropped = true
				c.unindex(p)
			case toUnder:
				c.unindex(p)
				p.ev = Removed(p.ev.From)
				if _, taken := c.byPath[p.ev.Path]; !taken {
					c.byPath[p.ev.Path] = p
				}
			}
			continue
		}
		if isUnder(dir, p.ev.Path) {
			p.dropped = true
			c.unindex(p)
		}
	}
}

// unindex removes p from the path index if it is the current entry
func (c *coalescer) unindex(p *pending) {
	if c.byPath[p.ev.Path] == p {
		delete(c.byPath, p.ev.Path)
	}
}

func (c *coalescer) push(ev Event) {
	p := &pending{ev: ev}
	c.entries = append(c.entries, p)
	c.byPath[ev.Path] = p
}

func (c *coalescer) drop(path string) {
	if p, ok := c.byPath[path]; ok {
		p.dropped = true
		delete(c.byPath, path)
	}
}

func (c *coalescer) result() []Event {
	out := make([]Event, 0, len(c.entries))
	for _, p := range c.entries {
		if p.dropped {
			continue
		}
		if p.replace {
			out = append(out, Removed(p.ev.Path))
		}
		out = append(out, p.ev)
	}
	return out
}

// isUnder reports whether path lies strictly below dir
func isUnder(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

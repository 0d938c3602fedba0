package main

import (
	"sort"

	"blockworld.io/internal/persistence/snapshot"
	"blockworld.io/internal/sim/engine"
	"blockworld.io/internal/sim/store"
)

type rect struct {
	minX, minY, maxX, maxY int
}

func newRect(x1, y1, x2, y2 int) rect {
	if x1 > x2 {
		x1, x2 = x2, x1
	}
	if y1 > y2 {
		y1, y2 = y2, y1
	}
	return rect{minX: x1, minY: y1, maxX: x2, maxY: y2}
}

func (r rect) contains(x, y int) bool {
	return x >= r.minX && x <= r.maxX && y >= r.minY && y <= r.maxY
}

// rollbackBlocks undoes PLACE and BREAK entries inside r, newest first, that
// happened in [sinceMS, untilMS]. untilMS <= 0 means no upper bound.
func rollbackBlocks(blocks []snapshot.BlockV1, recs []engine.AuditEntry, r rect, sinceMS, untilMS int64) ([]snapshot.BlockV1, int) {
	grid := make(map[store.Vec2i]string, len(blocks))
	for _, b := range blocks {
		grid[store.Vec2i{X: b.X, Y: b.Y}] = b.Type
	}

	var matched []engine.AuditEntry
	for _, e := range recs {
		if e.Action != engine.AuditPlace && e.Action != engine.AuditBreak {
			continue
		}
		if e.TimeMS < sinceMS || (untilMS > 0 && e.TimeMS > untilMS) {
			continue
		}
		if !r.contains(e.X, e.Y) {
			continue
		}
		matched = append(matched, e)
	}

	for i := len(matched) - 1; i >= 0; i-- {
		e := matched[i]
		k := store.Vec2i{X: e.X, Y: e.Y}
		if e.From == "" {
			delete(grid, k)
		} else {
			grid[k] = e.From
		}
	}

	out := make([]snapshot.BlockV1, 0, len(grid))
	for k, t := range grid {
		out = append(out, snapshot.BlockV1{X: k.X, Y: k.Y, Type: t})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Y != out[j].Y {
			return out[i].Y < out[j].Y
		}
		return out[i].X < out[j].X
	})
	return out, len(matched)
}

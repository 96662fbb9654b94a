// Package grid divides the square map into fixed cells for interest
// management. Everything here is pure computation over coordinates;
// cells are derived on demand and never stored.
package grid

import (
	"math"
	"strconv"
	"strings"
)

const (
	// WorldSize is the side length of a map in meters.
	WorldSize = 100.0
	// GridSize is the number of cells along each axis.
	GridSize = 10
	// CellSize is the side length of one cell.
	CellSize = WorldSize / GridSize
	// MaxWatchedCells caps how many cells a client may subscribe to.
	MaxWatchedCells = 25
)

// Cell addresses one grid square. Both indices are in [0, GridSize).
type Cell struct {
	CX int
	CZ int
}

func (c Cell) String() string {
	return strconv.Itoa(c.CX) + ":" + strconv.Itoa(c.CZ)
}

func (c Cell) Valid() bool {
	return c.CX >= 0 && c.CX < GridSize && c.CZ >= 0 && c.CZ < GridSize
}

// ParseCell parses the "cx:cz" wire form. Out-of-range and malformed
// ids report ok=false.
func ParseCell(s string) (Cell, bool) {
	sx, sz, found := strings.Cut(s, ":")
	if !found {
		return Cell{}, false
	}
	cx, err := strconv.Atoi(sx)
	if err != nil {
		return Cell{}, false
	}
	cz, err := strconv.Atoi(sz)
	if err != nil {
		return Cell{}, false
	}
	c := Cell{CX: cx, CZ: cz}
	return c, c.Valid()
}

// CellOf maps a world position to its cell. Coordinates outside the
// map are clamped to the nearest edge cell, so every position has a
// cell.
func CellOf(x, z float64) Cell {
	return Cell{CX: coordToIndex(x), CZ: coordToIndex(z)}
}

func coordToIndex(v float64) int {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v >= WorldSize {
		return GridSize - 1
	}
	i := int(math.Floor(v / CellSize))
	if i > GridSize-1 {
		i = GridSize - 1
	}
	return i
}

// Neighborhood returns the square of cells within Chebyshev distance
// radius of c, including c itself. Cells beyond the map edge are
// dropped, never wrapped. Order is deterministic: cx ascending, then
// cz ascending.
func Neighborhood(c Cell, radius int) []Cell {
	if radius < 0 {
		radius = 0
	}
	out := make([]Cell, 0, (2*radius+1)*(2*radius+1))
	for cx := c.CX - radius; cx <= c.CX+radius; cx++ {
		if cx < 0 || cx >= GridSize {
			continue
		}
		for cz := c.CZ - radius; cz <= c.CZ+radius; cz++ {
			if cz < 0 || cz >= GridSize {
				continue
			}
			out = append(out, Cell{CX: cx, CZ: cz})
		}
	}
	return out
}

// ValidateCells sanitizes a client-supplied cell id list: malformed
// and out-of-range ids are dropped, duplicates keep their first
// position, and the result is truncated to max entries.
func ValidateCells(ids []string, max int) []Cell {
	if max <= 0 {
		return nil
	}
	seen := make(map[Cell]struct{}, len(ids))
	out := make([]Cell, 0, len(ids))
	for _, id := range ids {
		c, ok := ParseCell(id)
		if !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
		if len(out) == max {
			break
		}
	}
	return out
}

package geo

import (
	"fmt"
	"math"
	"strconv"

	h3 "github.com/uber/h3-go/v4"
)

const (
	// Resolution is the H3 resolution drivers are bucketed at (~150 m per hop).
	Resolution = 9

	// HopDistanceKm approximates the distance covered by one ring hop at Resolution.
	HopDistanceKm = 0.15
)

// CellID identifies a hexagonal cell.
type CellID int64

func (c CellID) String() string {
	return h3.Cell(c).String()
}

// ParseCellID parses the hexadecimal form returned by CellID.String.
func ParseCellID(s string) (CellID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cell %q: %w", s, err)
	}
	cell := h3.Cell(v)
	if !cell.IsValid() {
		return 0, fmt.Errorf("invalid cell %q", s)
	}
	return CellID(cell), nil
}

// RingsForRadius converts a search radius to the number of rings that cover it.
func RingsForRadius(km float64) int {
	if km <= 0 {
		return 0
	}
	return int(math.Ceil(km / HopDistanceKm))
}

// Grid maps coordinates to cells and answers adjacency questions.
type Grid interface {
	// CellOf returns the cell containing p.
	CellOf(p Point) (CellID, error)
	// Disk returns every cell within k hops of center, center included.
	// An invalid center yields an empty slice.
	Disk(center CellID, k int) []CellID
	// Ring returns the cells exactly k hops from center. Ring(c, 0) is [c].
	Ring(center CellID, k int) []CellID
	// Distance returns the hop distance between two cells. ok is false when
	// the distance cannot be computed (cells too far apart or across a pentagon).
	Distance(a, b CellID) (hops int, ok bool)
}

// H3Grid is the Uber H3 implementation of Grid.
type H3Grid struct {
	resolution int
}

// NewH3Grid creates a grid at the given resolution; zero selects Resolution.
func NewH3Grid(resolution int) *H3Grid {
	if resolution <= 0 {
		resolution = Resolution
	}
	return &H3Grid{resolution: resolution}
}

func (g *H3Grid) CellOf(p Point) (CellID, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	cell, err := h3.LatLngToCell(h3.NewLatLng(p.Lat, p.Lon), g.resolution)
	if err != nil {
		return 0, fmt.Errorf("locate cell: %w", err)
	}
	return CellID(cell), nil
}

func (g *H3Grid) Disk(center CellID, k int) []CellID {
	origin := h3.Cell(center)
	if k < 0 || !origin.IsValid() {
		return nil
	}
	cells, err := h3.GridDisk(origin, k)
	if err != nil {
		return nil
	}

	out := make([]CellID, 0, len(cells))
	for _, c := range cells {
		// GridDisk pads with zero cells around pentagons.
		if c == 0 {
			continue
		}
		out = append(out, CellID(c))
	}
	return out
}

func (g *H3Grid) Ring(center CellID, k int) []CellID {
	origin := h3.Cell(center)
	if k < 0 || !origin.IsValid() {
		return nil
	}
	if k == 0 {
		return []CellID{center}
	}
	rings, err := h3.GridDiskDistances(origin, k)
	if err != nil || len(rings) <= k {
		return nil
	}

	out := make([]CellID, 0, len(rings[k]))
	for _, c := range rings[k] {
		if c == 0 {
			continue
		}
		out = append(out, CellID(c))
	}
	return out
}

func (g *H3Grid) Distance(a, b CellID) (int, bool) {
	if a == b {
		return 0, true
	}
	d, err := h3.GridDistance(h3.Cell(a), h3.Cell(b))
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

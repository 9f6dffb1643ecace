// Package meshgen builds deterministic partitioned meshes for seeding and
// tests.
package meshgen

import (
	"fmt"

	"distmesh/internal/mesh"
)

// Part is one rank's construction input. Coordinates and matches cover a
// contiguous run of global ids that starts where the previous part's run
// ends; the run is unrelated to which elements the part holds.
type Part struct {
	Etype   mesh.Type `json:"etype"`
	Nelem   int       `json:"nelem"`
	Conn    []int64   `json:"conn"`
	Coords  []float64 `json:"coords"`
	Matches []int64   `json:"matches,omitempty"`
}

// Nverts is the number of vertices whose data this part supplies.
func (p Part) Nverts() int { return len(p.Coords) / 3 }

// Grid splits a unit square of nx by ny cells, two triangles per cell,
// into parts row bands. Vertex (i, j) has id j*(nx+1)+i. With periodic set
// the left and right columns are matched to each other.
func Grid(nx, ny, parts int, periodic bool) ([]Part, error) {
	if nx <= 0 || ny <= 0 || parts <= 0 {
		return nil, fmt.Errorf("meshgen: invalid grid %dx%d over %d parts", nx, ny, parts)
	}
	id := func(i, j int) int64 { return int64(j*(nx+1) + i) }
	out := make([]Part, parts)
	for p := range out {
		out[p].Etype = mesh.Triangle
	}
	for j := 0; j < ny; j++ {
		p := &out[j*parts/ny]
		for i := 0; i < nx; i++ {
			a, b, c, d := id(i, j), id(i+1, j), id(i, j+1), id(i+1, j+1)
			p.Conn = append(p.Conn, a, b, d, a, d, c)
			p.Nelem += 2
		}
	}

	total := (nx + 1) * (ny + 1)
	for p := range out {
		lo, hi := runBounds(total, parts, p)
		out[p].Coords = make([]float64, 0, 3*(hi-lo))
		if periodic {
			out[p].Matches = make([]int64, 0, hi-lo)
		}
		for g := lo; g < hi; g++ {
			i, j := g%(nx+1), g/(nx+1)
			out[p].Coords = append(out[p].Coords, float64(i)/float64(nx), float64(j)/float64(ny), 0)
			if !periodic {
				continue
			}
			switch i {
			case 0:
				out[p].Matches = append(out[p].Matches, id(nx, j))
			case nx:
				out[p].Matches = append(out[p].Matches, id(0, j))
			default:
				out[p].Matches = append(out[p].Matches, -1)
			}
		}
	}
	return out, nil
}

// runBounds gives part p a run of ids proportional to p+1, so runs never
// line up with even shards.
func runBounds(total, parts, p int) (int, int) {
	weight := parts * (parts + 1) / 2
	lo := total * (p * (p + 1) / 2) / weight
	hi := total * ((p + 1) * (p + 2) / 2) / weight
	return lo, hi
}

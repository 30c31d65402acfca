package spatial

import (
	"fmt"

	"github.com/spatialplot/server/internal/data/annot"
)

// LibraryCoords are the scaled coordinates of one library. Rows holds the
// dataset row of every point so per-observation vectors can be subset the
// same way.
type LibraryCoords struct {
	X, Y, Z []float64 // Z is nil for 2-d coordinates
	Rows    []int
}

// Len returns the number of points.
func (c LibraryCoords) Len() int { return len(c.Rows) }

// Coords reads obsm[key] and returns one coordinate set per library,
// multiplied by that library's scale factor. With a library key only the rows
// whose obs[libraryKey] equals the library id are kept.
func Coords(ds *annot.Dataset, key string, libs []string, scale []float64, libraryKey string) ([]LibraryCoords, error) {
	m, ok := ds.Obsm[key]
	if !ok {
		return nil, fmt.Errorf("obsm[%q]: %w", key, ErrKeyNotFound)
	}
	if m.Cols < 2 {
		return nil, fmt.Errorf("%w: obsm[%q] has %d columns, need at least 2", ErrInvalidOption, key, m.Cols)
	}
	if len(scale) != len(libs) {
		return nil, fmt.Errorf("%w: %d scale factors for %d libraries", ErrInvalidOption, len(scale), len(libs))
	}

	var batch *annot.Column
	if libraryKey != "" {
		col, ok := ds.Obs.Column(libraryKey)
		if !ok {
			return nil, fmt.Errorf("library_key %q not in obs: %w", libraryKey, ErrKeyNotFound)
		}
		batch = col
	}

	out := make([]LibraryCoords, len(libs))
	for li, lib := range libs {
		var rows []int
		for i := 0; i < m.Rows; i++ {
			if batch == nil || batch.Label(i) == lib {
				rows = append(rows, i)
			}
		}
		sf := scale[li]
		c := LibraryCoords{
			X:    make([]float64, len(rows)),
			Y:    make([]float64, len(rows)),
			Rows: rows,
		}
		if m.Cols >= 3 {
			c.Z = make([]float64, len(rows))
		}
		for k, r := range rows {
			c.X[k] = m.At(r, 0) * sf
			c.Y[k] = m.At(r, 1) * sf
			if c.Z != nil {
				c.Z[k] = m.At(r, 2) * sf
			}
		}
		out[li] = c
	}
	return out, nil
}

// Crop keeps the points inside (x0, x1, y0, y1), bounds inclusive.
func (c LibraryCoords) Crop(box [4]float64) LibraryCoords {
	out := LibraryCoords{}
	if c.Z != nil {
		out.Z = []float64{}
	}
	for i := range c.Rows {
		x, y := c.X[i], c.Y[i]
		if x < box[0] || x > box[1] || y < box[2] || y > box[3] {
			continue
		}
		out.X = append(out.X, x)
		out.Y = append(out.Y, y)
		if c.Z != nil {
			out.Z = append(out.Z, c.Z[i])
		}
		out.Rows = append(out.Rows, c.Rows[i])
	}
	return out
}

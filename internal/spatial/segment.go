package spatial

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"

	"github.com/spatialplot/server/internal/data/annot"
	"github.com/spatialplot/server/internal/figure"
)

// cellIDs returns the segmentation label of every dataset row from
// obs[key]. Categorical labels must parse as integers.
func cellIDs(ds *annot.Dataset, key string) ([]int64, error) {
	col, ok := ds.Obs.Column(key)
	if !ok {
		return nil, fmt.Errorf("seg_cell_id_key %q not in obs: %w", key, ErrKeyNotFound)
	}
	out := make([]int64, col.Len())
	for i := range out {
		if col.Kind == annot.Numeric {
			v := col.Values[i]
			if math.IsNaN(v) {
				out[i] = -1
				continue
			}
			out[i] = int64(v)
			continue
		}
		label := col.Label(i)
		if label == "" {
			out[i] = -1
			continue
		}
		id, err := strconv.ParseInt(label, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: cell id %q in obs[%q] is not an integer", ErrInvalidOption, label, key)
		}
		out[i] = id
	}
	return out, nil
}

// segmentationLayer paints every labelled region belonging to one of the
// panel's cells in that cell's color. With outline set only the pixels within
// contourPx of a region border are painted.
func segmentationLayer(mask *annot.LabelImage, ids []int64, rows []int, colors []color.Color, alpha float64, outline bool, contourPx int) *figure.ImageLayer {
	byLabel := make(map[int32]color.NRGBA, len(rows))
	for k, r := range rows {
		id := ids[r]
		if id <= 0 || id > math.MaxInt32 || colors[k] == nil {
			continue
		}
		c := color.NRGBAModel.Convert(colors[k]).(color.NRGBA)
		c.A = uint8(math.Round(float64(c.A) * alpha))
		byLabel[int32(id)] = c
	}

	var keep []bool
	if outline {
		keep = contourMask(mask, contourPx)
	}

	img := image.NewNRGBA(image.Rect(0, 0, mask.Width, mask.Height))
	for y := 0; y < mask.Height; y++ {
		for x := 0; x < mask.Width; x++ {
			i := y*mask.Width + x
			if keep != nil && !keep[i] {
				continue
			}
			if c, ok := byLabel[mask.Labels[i]]; ok {
				img.SetNRGBA(x, y, c)
			}
		}
	}
	return &figure.ImageLayer{
		Image:  img,
		Alpha:  1,
		Extent: figure.View{X0: 0, X1: float64(mask.Width), Y0: 0, Y1: float64(mask.Height)},
	}
}

// contourMask marks labelled pixels at most width-1 steps inside a region
// border. A border pixel has a 4-neighbor with another label or lies on the
// image edge.
func contourMask(mask *annot.LabelImage, width int) []bool {
	w, h := mask.Width, mask.Height
	dist := make([]int, w*h)
	for i := range dist {
		dist[i] = -1
	}
	var queue []int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			l := mask.Labels[i]
			if l == 0 {
				continue
			}
			if x == 0 || y == 0 || x == w-1 || y == h-1 ||
				mask.Labels[i-1] != l || mask.Labels[i+1] != l ||
				mask.Labels[i-w] != l || mask.Labels[i+w] != l {
				dist[i] = 0
				queue = append(queue, i)
			}
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if dist[i]+1 >= width {
			continue
		}
		x, y := i%w, i/w
		for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
			if n[0] < 0 || n[1] < 0 || n[0] >= w || n[1] >= h {
				continue
			}
			j := n[1]*w + n[0]
			if dist[j] >= 0 || mask.Labels[j] != mask.Labels[i] {
				continue
			}
			dist[j] = dist[i] + 1
			queue = append(queue, j)
		}
	}
	keep := make([]bool, w*h)
	for i, d := range dist {
		keep[i] = d >= 0
	}
	return keep
}

// edgeLayer draws the graph edges whose endpoints are both in the panel.
func edgeLayer(g *annot.Sparse, c LibraryCoords, width float64, col color.Color) *figure.EdgeLayer {
	pos := make(map[int]int, c.Len())
	for k, r := range c.Rows {
		pos[r] = k
	}
	seen := make(map[[2]int]bool)
	layer := &figure.EdgeLayer{Width: width, Color: col}
	for k, r := range c.Rows {
		for _, nb := range g.Neighbors(r) {
			j, ok := pos[int(nb)]
			if !ok || j == k {
				continue
			}
			key := [2]int{min(k, j), max(k, j)}
			if seen[key] {
				continue
			}
			seen[key] = true
			layer.Segments = append(layer.Segments, [4]float64{c.X[k], c.Y[k], c.X[j], c.Y[j]})
		}
	}
	return layer
}

package spatial

import (
	"fmt"
	"image"
	"image/color"
	"log"
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/spatialplot/server/internal/data/annot"
)

// SpatialAttrs are the per-library image attributes of a shaped plot.
type SpatialAttrs struct {
	LibraryID   []string
	ImgKey      string
	ScaleFactor []float64
	Size        []float64
	Images      []image.Image // nil entries draw no background
}

// ResolveSpatialAttrs reads images, scale factors and spot sizes for libs from
// uns["spatial"][SpatialKey].
//
// The image key defaults to the first image key shared by all libraries. An
// unset scale factor takes the first shared scale factor key containing the
// image key. Sizes are multiples of scalefactors[SizeKey].
func ResolveSpatialAttrs(ds *annot.Dataset, opts Options, libs []string) (*SpatialAttrs, error) {
	spatialKey := opts.SpatialKey
	if spatialKey == "" {
		spatialKey = DefaultSpatialKey
	}
	sizeKey := opts.SizeKey
	if sizeKey == "" {
		sizeKey = DefaultSizeKey
	}

	entries := make([]*annot.Library, len(libs))
	imageKeys := make([][]string, len(libs))
	scaleKeys := make([][]string, len(libs))
	for i, id := range libs {
		lib, err := ds.Library(spatialKey, id)
		if err != nil {
			return nil, err
		}
		entries[i] = lib
		imageKeys[i] = sortedKeys(lib.Images)
		scaleKeys[i] = sortedKeys(lib.ScaleFactors)
	}
	commonImages := intersect(imageKeys)
	commonScales := intersect(scaleKeys)

	imgKey := opts.ImgKey
	if imgKey == "" {
		if len(commonImages) > 0 {
			imgKey = commonImages[0]
		}
	} else if !slices.Contains(commonImages, imgKey) {
		return nil, fmt.Errorf("image key %q does not exist, available image keys: %v: %w", imgKey, commonImages, ErrKeyNotFound)
	}

	out := &SpatialAttrs{LibraryID: libs, ImgKey: imgKey}

	switch {
	case opts.NoImage:
		out.Images = make([]image.Image, len(libs))
	case len(opts.Images) > 0:
		imgs, err := Broadcast("img", opts.Images, len(libs))
		if err != nil {
			return nil, err
		}
		out.Images = imgs
	case imgKey != "":
		out.Images = make([]image.Image, len(libs))
		for i, lib := range entries {
			out.Images[i] = lib.Images[imgKey]
		}
	default:
		log.Printf("[spatial] WARNING: libraries %v share no image key, drawing without background", libs)
		out.Images = make([]image.Image, len(libs))
	}
	if opts.BW {
		for i, im := range out.Images {
			if im != nil {
				out.Images[i] = toGray(im)
			}
		}
	}

	if len(opts.ScaleFactor) == 0 {
		var key string
		if imgKey != "" {
			for _, k := range commonScales {
				if strings.Contains(k, imgKey) {
					key = k
					break
				}
			}
		}
		if key == "" {
			return nil, fmt.Errorf("%w: no scale_factor found that could match img_key %q", ErrInvalidOption, imgKey)
		}
		out.ScaleFactor = make([]float64, len(libs))
		for i, lib := range entries {
			out.ScaleFactor[i] = lib.ScaleFactors[key]
		}
	} else {
		sf, err := Broadcast("scale_factor", opts.ScaleFactor, len(libs))
		if err != nil {
			return nil, err
		}
		out.ScaleFactor = sf
	}

	hasSizeKey := slices.Contains(commonScales, sizeKey)
	if !hasSizeKey && len(opts.Size) == 0 {
		return nil, fmt.Errorf("%w: size_key %q does not exist and size is unset, available keys are %v", ErrInvalidOption, sizeKey, commonScales)
	}
	size, err := broadcastOr("size", opts.Size, 1.0, len(libs))
	if err != nil {
		return nil, err
	}
	out.Size = make([]float64, len(libs))
	for i, lib := range entries {
		out.Size[i] = size[i]
		if hasSizeKey {
			out.Size[i] *= lib.ScaleFactors[sizeKey]
		}
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// intersect returns the sorted keys present in every list.
func intersect(lists [][]string) []string {
	if len(lists) == 0 {
		return nil
	}
	out := append([]string(nil), lists[0]...)
	for _, l := range lists[1:] {
		out = slices.DeleteFunc(out, func(k string) bool { return !slices.Contains(l, k) })
	}
	sort.Strings(out)
	return out
}

// toGray converts an image to luma with the ITU-R 601 weights.
func toGray(src image.Image) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := src.At(x, y).RGBA()
			l := 0.2989*float64(r) + 0.5870*float64(g) + 0.1140*float64(bl)
			dst.SetGray(x, y, color.Gray{Y: uint8(math.Min(255, math.Round(l/257)))})
		}
	}
	return dst
}

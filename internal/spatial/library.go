package spatial

import (
	"fmt"
	"log"
	"slices"

	"github.com/spatialplot/server/internal/data/annot"
)

// ResolveLibraryIDs returns the libraries to plot.
//
// Without a shape the ids come from LibraryID, else from the categories of
// obs[LibraryKey], else a single unnamed library. With a shape (or a
// segmentation) the ids must be keys of uns["spatial"][SpatialKey] and default
// to all of them.
func ResolveLibraryIDs(ds *annot.Dataset, opts Options) ([]string, error) {
	spatialKey := opts.SpatialKey
	if spatialKey == "" {
		spatialKey = DefaultSpatialKey
	}

	if !opts.shaped() {
		if len(opts.LibraryID) > 0 {
			return opts.LibraryID, nil
		}
		if opts.LibraryKey != "" {
			col, ok := ds.Obs.Column(opts.LibraryKey)
			if !ok {
				return nil, fmt.Errorf("library_key %q not in obs: %w", opts.LibraryKey, ErrKeyNotFound)
			}
			if col.Kind != annot.Categorical {
				return nil, fmt.Errorf("%w: library_key %q is not categorical", ErrInvalidOption, opts.LibraryKey)
			}
			return append([]string(nil), col.Categories...), nil
		}
		log.Printf("[spatial] WARNING: no library_id or library_key given, plotting all observations as one library")
		return []string{""}, nil
	}

	libs, err := ds.SpatialLibraries(spatialKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch library_id from uns[spatial]: %w", err)
	}
	if len(opts.LibraryID) == 0 {
		return libs, nil
	}
	for _, id := range opts.LibraryID {
		if !slices.Contains(libs, id) {
			return nil, fmt.Errorf("library_id %q not in uns[spatial][%q] (available: %v): %w", id, spatialKey, libs, ErrKeyNotFound)
		}
	}
	return opts.LibraryID, nil
}

// checkLibraryKey verifies that every library id occurs in obs[libraryKey],
// or that a single library is plotted when no key is given.
func checkLibraryKey(ds *annot.Dataset, libraryKey string, libs []string) error {
	if libraryKey == "" {
		if len(libs) > 1 {
			return fmt.Errorf("%w: multiple library_id %v found but no library_key specified", ErrInvalidOption, libs)
		}
		return nil
	}
	col, ok := ds.Obs.Column(libraryKey)
	if !ok {
		return fmt.Errorf("library_key %q not in obs: %w", libraryKey, ErrKeyNotFound)
	}
	if col.Kind != annot.Categorical {
		return fmt.Errorf("%w: library_key %q is not categorical", ErrInvalidOption, libraryKey)
	}
	for _, id := range libs {
		if !slices.Contains(col.Categories, id) {
			return fmt.Errorf("%w: library_id %q not found in obs[%q]", ErrInvalidOption, id, libraryKey)
		}
	}
	return nil
}

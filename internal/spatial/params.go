package spatial

import "fmt"

// Broadcast expands a per-library or per-panel option to n entries. An empty
// list stays empty (unset), a single entry is repeated and any other length
// must equal n.
func Broadcast[T any](name string, values []T, n int) ([]T, error) {
	switch len(values) {
	case 0:
		return nil, nil
	case n:
		return values, nil
	case 1:
		out := make([]T, n)
		for i := range out {
			out[i] = values[0]
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s has %d values but %d are needed", ErrInvalidOption, name, len(values), n)
}

// broadcastOr is Broadcast with a default used when values is empty.
func broadcastOr[T any](name string, values []T, def T, n int) ([]T, error) {
	if len(values) == 0 {
		values = []T{def}
	}
	return Broadcast(name, values, n)
}

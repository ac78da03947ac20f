package mr

import (
	"io"
)

// ReadValues reads all the remaining values of nextVal.
func ReadValues(nextVal ValueIterator) ([]string, error) {
	var vals []string
	for {
		val, err := nextVal()
		if err == io.EOF {
			return vals, nil
		}
		if err != nil {
			return vals, err
		}
		vals = append(vals, val)
	}
}

// CountValues reads all the remaining values of nextVal and returns the number
// of them.
func CountValues(nextVal ValueIterator) (int, error) {
	n := 0
	for {
		if _, err := nextVal(); err != nil {
			if err == io.EOF {
				return n, nil
			}
			return n, err
		}
		n++
	}
}

// ReduceValuesF returns a ReduceFunc calling f with all the values of a key.
func ReduceValuesF(f func(key string, part int, vals []string) error) ReduceFunc {
	return func(key string, part int, nextVal ValueIterator) error {
		vals, err := ReadValues(nextVal)
		if err != nil {
			return err
		}
		return f(key, part, vals)
	}
}

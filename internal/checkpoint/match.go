package checkpoint

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
)

var ErrParameterMismatch = errors.New("checkpoint parameters do not match model")

// Spec describes one parameter a model expects.
type Spec struct {
	DType DType
	Shape []int64
}

func (s Spec) String() string {
	return fmt.Sprintf("%s%v", s.DType, s.Shape)
}

// MismatchError lists every difference between a checkpoint and the model's
// parameter mapping. It matches ErrParameterMismatch with errors.Is.
type MismatchError struct {
	Missing      []string
	Unexpected   []string
	Incompatible []string
}

func (e *MismatchError) Error() string {
	parts := make([]string, 0, 3)
	if len(e.Missing) > 0 {
		parts = append(parts, fmt.Sprintf("%d missing (%s)", len(e.Missing), summarize(e.Missing)))
	}
	if len(e.Unexpected) > 0 {
		parts = append(parts, fmt.Sprintf("%d unexpected (%s)", len(e.Unexpected), summarize(e.Unexpected)))
	}
	if len(e.Incompatible) > 0 {
		parts = append(parts, fmt.Sprintf("%d incompatible (%s)", len(e.Incompatible), summarize(e.Incompatible)))
	}
	return ErrParameterMismatch.Error() + ": " + strings.Join(parts, ", ")
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrParameterMismatch
}

// Match requires params to carry exactly the expected keys with the expected
// dtype and shape.
func Match(expected map[string]Spec, params Parameters) error {
	mismatch := &MismatchError{}

	for name, spec := range expected {
		tensor, ok := params[name]
		if !ok {
			mismatch.Missing = append(mismatch.Missing, name)
			continue
		}
		if tensor.DType != spec.DType || !slices.Equal(tensor.Shape, spec.Shape) {
			got := Spec{DType: tensor.DType, Shape: tensor.Shape}
			mismatch.Incompatible = append(mismatch.Incompatible, fmt.Sprintf("%s: want %s, got %s", name, spec, got))
		}
	}

	for name := range params {
		if _, ok := expected[name]; !ok {
			mismatch.Unexpected = append(mismatch.Unexpected, name)
		}
	}

	if len(mismatch.Missing) == 0 && len(mismatch.Unexpected) == 0 && len(mismatch.Incompatible) == 0 {
		return nil
	}

	sort.Strings(mismatch.Missing)
	sort.Strings(mismatch.Unexpected)
	sort.Strings(mismatch.Incompatible)
	return mismatch
}

func summarize(names []string) string {
	const limit = 5
	if len(names) <= limit {
		return strings.Join(names, ", ")
	}
	return strings.Join(names[:limit], ", ") + fmt.Sprintf(", ... %d more", len(names)-limit)
}

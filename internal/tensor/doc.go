package tensor

import (
	"fmt"

	"github.com/FlavioCFOliveira/nnengine/internal/engine"
)

// Doc is the snapshot form of a tensor.
type Doc struct {
	Dim  Dim       `json:"dim"`
	Data []float64 `json:"data"`
}

// Export returns the snapshot form of t, reading device data if needed.
func Export(t *Tensor) (Doc, error) {
	v, err := Values(t)
	if err != nil {
		return Doc{}, err
	}
	return Doc{Dim: t.dim, Data: v}, nil
}

// Import loads doc into t. The shapes must be identical.
func Import(t *Tensor, doc Doc) error {
	if doc.Dim != t.dim {
		return fmt.Errorf("%w: snapshot %s into %s", ErrDim, doc.Dim, t.dim)
	}
	return Load(t, doc.Data)
}

// NewComputeFrom creates a COMPUTE tensor from a snapshot.
func NewComputeFrom(e *engine.Engine, label string, doc Doc) (*Tensor, error) {
	t, err := NewCompute(e, label, doc.Dim)
	if err != nil {
		return nil, err
	}
	if err := Load(t, doc.Data); err != nil {
		t.Release()
		return nil, fmt.Errorf("tensor %s: %w", label, err)
	}
	return t, nil
}

package nn

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/FlavioCFOliveira/nnengine/internal/engine"
	"github.com/FlavioCFOliveira/nnengine/internal/loss"
	"github.com/FlavioCFOliveira/nnengine/internal/opt"
	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion = 1

// ArchDoc is the snapshot form of an Arch.
type ArchDoc struct {
	Version int        `json:"version"`
	Seed    int64      `json:"seed"`
	State   opt.State  `json:"state"`
	Layers  []LayerDoc `json:"layers"`
	// Loss names the loss function, empty when none is attached.
	Loss string `json:"loss"`
}

// LayerDoc is the snapshot form of one layer, tagged by kind.
type LayerDoc struct {
	Kind  string          `json:"kind"`
	Layer json.RawMessage `json:"layer"`
}

// Export writes a JSON snapshot of the Arch to w. Device tensors are read
// back, so Export must not run inside a compute pass.
func (a *Arch) Export(w io.Writer) error {
	doc := ArchDoc{Version: SnapshotVersion, Seed: a.cfg.Seed, State: a.state}
	for i, l := range a.layers {
		ld, err := exportLayer(l)
		if err != nil {
			return fmt.Errorf("export layer %d: %w", i, err)
		}
		doc.Layers = append(doc.Layers, ld)
	}
	if a.loss != nil {
		doc.Loss = a.loss.Function()
	}
	return json.NewEncoder(w).Encode(doc)
}

// Import reads a snapshot written by Export and rebuilds the Arch on e.
// Unknown or missing keys fail the import and nothing is left allocated.
func Import(e *engine.Engine, r io.Reader) (*Arch, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImport, err)
	}
	var doc ArchDoc
	if err := decodeStrict(raw, &doc); err != nil {
		return nil, err
	}
	if doc.Version != SnapshotVersion {
		return nil, fmt.Errorf("%w: version %d", ErrImport, doc.Version)
	}
	a, err := New(e, doc.State, Config{Seed: doc.Seed})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrImport, err)
	}
	for i, ld := range doc.Layers {
		l, err := importLayer(a, ld)
		if err == nil {
			if err = a.AttachLayer(l); err != nil {
				l.Release()
			}
		}
		if err != nil {
			a.Release()
			return nil, fmt.Errorf("%w: layer %d: %w", ErrImport, i, err)
		}
	}
	if doc.Loss != "" {
		fn, err := loss.Lookup(doc.Loss)
		if err == nil {
			err = a.AttachLoss(fn)
		}
		if err != nil {
			a.Release()
			return nil, fmt.Errorf("%w: loss: %w", ErrImport, err)
		}
	}
	return a, nil
}

func exportLayer(l Layer) (LayerDoc, error) {
	v, err := l.export()
	if err != nil {
		return LayerDoc{}, fmt.Errorf("%s: %w", l.Kind(), err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return LayerDoc{}, fmt.Errorf("%s: %w", l.Kind(), err)
	}
	return LayerDoc{Kind: l.Kind(), Layer: raw}, nil
}

func importLayer(a *Arch, doc LayerDoc) (Layer, error) {
	switch doc.Kind {
	case "conv":
		return decodeLayer(a, doc.Layer, importConv)
	case "batchnorm":
		return decodeLayer(a, doc.Layer, importBatchNorm)
	case "fact":
		return decodeLayer(a, doc.Layer, importFact)
	case "skip":
		return decodeLayer(a, doc.Layer, importSkip)
	case "pool":
		return decodeLayer(a, doc.Layer, importPool)
	case "weight":
		return decodeLayer(a, doc.Layer, importWeight)
	case "lanczos":
		return decodeLayer(a, doc.Layer, importLanczos)
	case "coder":
		return decodeLayer(a, doc.Layer, importCoder)
	case "encdec":
		return decodeLayer(a, doc.Layer, importEncDec)
	case "urrdb_node":
		return decodeLayer(a, doc.Layer, importUrrdbNode)
	case "urrdb_block":
		return decodeLayer(a, doc.Layer, importUrrdbBlock)
	case "urrdb":
		return decodeLayer(a, doc.Layer, importUrrdb)
	case "res":
		return decodeLayer(a, doc.Layer, importRes)
	}
	return nil, fmt.Errorf("%w: unknown layer kind %q", ErrImport, doc.Kind)
}

func decodeLayer[D any, L Layer](a *Arch, raw json.RawMessage, build func(*Arch, D) (L, error)) (Layer, error) {
	var doc D
	if err := decodeStrict(raw, &doc); err != nil {
		return nil, err
	}
	l, err := build(a, doc)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// importChildren imports the child documents of a composite in order,
// checking that each child continues the running shape from dimX.
func importChildren(a *Arch, kind string, dimX tensor.Dim, docs []LayerDoc) (sequence, error) {
	b := newBuilder(kind, dimX)
	for _, doc := range docs {
		stage(b, func(tensor.Dim) (Layer, error) { return importLayer(a, doc) })
	}
	return b.finish()
}

// decodeStrict decodes raw into v, failing on unknown keys and on any
// missing key of v's struct types.
func decodeStrict(raw []byte, v any) error {
	if err := requireKeys(raw, reflect.TypeOf(v).Elem(), ""); err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", ErrImport, err)
	}
	return nil
}

var rawMessageType = reflect.TypeOf(json.RawMessage(nil))

func requireKeys(raw []byte, t reflect.Type, path string) error {
	switch t.Kind() {
	case reflect.Pointer:
		if string(bytes.TrimSpace(raw)) == "null" {
			return nil
		}
		return requireKeys(raw, t.Elem(), path)
	case reflect.Slice, reflect.Array:
		if t == rawMessageType || !hasStruct(t.Elem()) || string(bytes.TrimSpace(raw)) == "null" {
			return nil
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrImport, path, err)
		}
		for i, item := range items {
			if err := requireKeys(item, t.Elem(), fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrImport, path, err)
		}
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if !f.IsExported() || name == "" || name == "-" {
				continue
			}
			sub, ok := fields[name]
			if !ok {
				return fmt.Errorf("%w: missing key %q", ErrImport, path+"."+name)
			}
			if err := requireKeys(sub, f.Type, path+"."+name); err != nil {
				return err
			}
		}
	}
	return nil
}

func hasStruct(t reflect.Type) bool {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct
}

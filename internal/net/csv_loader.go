package net

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/FlavioCFOliveira/nnengine/internal/tensor"
)

// Dataset holds inputs and targets as IO tensors of shape
// (samples, 1, 1, columns).
type Dataset struct {
	X, Y *tensor.Tensor
}

// LoadCSV loads a dataset from a CSV file. See ReadCSV.
func LoadCSV(filename string, labelCols []int, hasHeader bool) (*Dataset, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()
	return ReadCSV(file, labelCols, hasHeader)
}

// ReadCSV reads numeric CSV records. labelCols selects the target columns
// in the order given; all other columns are features in file order.
// hasHeader skips the first line.
func ReadCSV(r io.Reader, labelCols []int, hasHeader bool) (*Dataset, error) {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	if hasHeader && len(records) > 0 {
		records = records[1:]
	}
	if len(records) == 0 {
		return nil, errors.New("csv file has no data rows")
	}

	numCols := len(records[0])
	isLabelCol := make(map[int]bool)
	for _, col := range labelCols {
		if col < 0 || col >= numCols || isLabelCol[col] {
			return nil, fmt.Errorf("invalid label column %d", col)
		}
		isLabelCol[col] = true
	}
	nf, nl := numCols-len(labelCols), len(labelCols)
	if nf == 0 || nl == 0 {
		return nil, fmt.Errorf("csv needs feature and label columns, got %d and %d", nf, nl)
	}

	n := uint32(len(records))
	X, err := tensor.NewIO(tensor.Dim{Count: n, Height: 1, Width: 1, Depth: uint32(nf)})
	if err != nil {
		return nil, err
	}
	Y, err := tensor.NewIO(tensor.Dim{Count: n, Height: 1, Width: 1, Depth: uint32(nl)})
	if err != nil {
		return nil, err
	}
	x, y := X.Data(), Y.Data()
	row := make([]float64, numCols)
	for i, record := range records {
		if len(record) != numCols {
			return nil, fmt.Errorf("inconsistent number of columns at row %d", i)
		}
		for j, s := range record {
			if row[j], err = strconv.ParseFloat(s, 64); err != nil {
				return nil, fmt.Errorf("failed to parse value at row %d, col %d: %w", i, j, err)
			}
		}
		xo, yo := i*nf, i*nl
		for j, v := range row {
			if !isLabelCol[j] {
				x[xo] = v
				xo++
			}
		}
		for k, col := range labelCols {
			y[yo+k] = row[col]
		}
	}
	return &Dataset{X: X, Y: Y}, nil
}

// Normalize rescales every feature column of X to [0, 1]. Constant
// columns become 0.
func (d *Dataset) Normalize() {
	dim := d.X.Dim()
	x := d.X.Data()
	nf := int(dim.Depth)
	for j := 0; j < nf; j++ {
		lo, hi := x[j], x[j]
		for o := j; o < len(x); o += nf {
			lo, hi = min(lo, x[o]), max(hi, x[o])
		}
		for o := j; o < len(x); o += nf {
			if diff := hi - lo; diff != 0 {
				x[o] = (x[o] - lo) / diff
			} else {
				x[o] = 0
			}
		}
	}
}

// Split copies the first ratio of the samples into train and the rest
// into test. Either side may be nil when it would be empty.
func (d *Dataset) Split(ratio float64) (train, test *Dataset, err error) {
	n := d.X.Dim().Count
	at := uint32(float64(n) * min(max(ratio, 0), 1))
	if train, err = d.slice(0, at); err != nil {
		return nil, nil, err
	}
	if test, err = d.slice(at, n-at); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

func (d *Dataset) slice(from, count uint32) (*Dataset, error) {
	if count == 0 {
		return nil, nil
	}
	x, err := sliceIO(d.X, from, count)
	if err != nil {
		return nil, err
	}
	y, err := sliceIO(d.Y, from, count)
	if err != nil {
		return nil, err
	}
	return &Dataset{X: x, Y: y}, nil
}

func sliceIO(src *tensor.Tensor, from, count uint32) (*tensor.Tensor, error) {
	dim := src.Dim()
	dim.Count = count
	t, err := tensor.NewIO(dim)
	if err != nil {
		return nil, err
	}
	if err := tensor.Copy(src, t, from, 0, count); err != nil {
		return nil, err
	}
	return t, nil
}

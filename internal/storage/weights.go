package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"

	"reservoir/internal/linalg"
	"reservoir/internal/model"
	"reservoir/internal/reservoir"
)

const (
	RecurrentFile = "W.txt"
	InputFile     = "Win.txt"
	ReadoutFile   = "Wout.txt"

	maxMatrixLine = 64 << 20
)

// ErrParamsMismatch reports W and Win files recorded for different neuron
// counts. It also matches reservoir.ErrConfig.
var ErrParamsMismatch = errors.New("weight parameter files disagree")

func bitSize[T constraints.Float]() int {
	if linalg.Precision[T]() == linalg.Float32 {
		return 32
	}
	return 64
}

// WriteMatrix writes m row-major, one row per line, values separated by a
// single space, using the shortest representation that round-trips in T.
func WriteMatrix[T constraints.Float](out io.Writer, m *linalg.Dense[T]) error {
	w := bufio.NewWriter(out)
	bits := bitSize[T]()
	buf := make([]byte, 0, 32)
	for i := 0; i < m.Rows; i++ {
		for j, v := range m.Row(i) {
			if j > 0 {
				if err := w.WriteByte(' '); err != nil {
					return err
				}
			}
			buf = strconv.AppendFloat(buf[:0], float64(v), 'g', -1, bits)
			if _, err := w.Write(buf); err != nil {
				return err
			}
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

func ReadMatrix[T constraints.Float](in io.Reader) (*linalg.Dense[T], error) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMatrixLine)
	bits := bitSize[T]()
	var (
		data []T
		rows int
		cols = -1
	)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if cols == -1 {
			cols = len(fields)
		} else if len(fields) != cols {
			return nil, fmt.Errorf("matrix row %d has %d values, want %d", rows+1, len(fields), cols)
		}
		for j, field := range fields {
			v, err := strconv.ParseFloat(field, bits)
			if err != nil {
				return nil, fmt.Errorf("matrix row %d column %d: %w", rows+1, j+1, err)
			}
			data = append(data, T(v))
		}
		rows++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, errors.New("matrix file is empty")
	}
	return linalg.NewDense[T](rows, cols, data), nil
}

// ParamsPath is the sibling parameter file of a matrix file.
func ParamsPath(matrixPath string) string {
	return strings.TrimSuffix(matrixPath, filepath.Ext(matrixPath)) + ".params"
}

// WriteParams writes the six values neuronCount, sparsity, spectralRadius,
// inputScaling, leakRate and ridge on one line.
func WriteParams(out io.Writer, p model.Params) error {
	_, err := fmt.Fprintf(out, "%d %s %s %s %s %s\n",
		p.Neurons,
		strconv.FormatFloat(p.Sparsity, 'g', -1, 64),
		strconv.FormatFloat(p.SpectralRadius, 'g', -1, 64),
		strconv.FormatFloat(p.InputScaling, 'g', -1, 64),
		strconv.FormatFloat(p.LeakRate, 'g', -1, 64),
		strconv.FormatFloat(p.Ridge, 'g', -1, 64),
	)
	return err
}

func ReadParams(in io.Reader) (model.Params, error) {
	raw, err := io.ReadAll(in)
	if err != nil {
		return model.Params{}, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) != 6 {
		return model.Params{}, fmt.Errorf("params file has %d values, want 6", len(fields))
	}
	neurons, err := strconv.Atoi(fields[0])
	if err != nil {
		return model.Params{}, fmt.Errorf("params neuron count: %w", err)
	}
	values := make([]float64, 5)
	for i, field := range fields[1:] {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return model.Params{}, fmt.Errorf("params value %d: %w", i+2, err)
		}
		values[i] = v
	}
	return model.Params{
		Neurons:        neurons,
		Sparsity:       values[0],
		SpectralRadius: values[1],
		InputScaling:   values[2],
		LeakRate:       values[3],
		Ridge:          values[4],
	}, nil
}

// ParamsFromConfig extracts the persisted subset of a reservoir config.
func ParamsFromConfig(cfg reservoir.Config) model.Params {
	cfg = cfg.Normalize()
	return model.Params{
		Neurons:        cfg.Neurons,
		Sparsity:       cfg.Sparsity,
		SpectralRadius: cfg.SpectralRadius,
		InputScaling:   cfg.InputScaling,
		LeakRate:       cfg.LeakRate,
		Ridge:          cfg.Ridge,
	}
}

func writeMatrixFile[T constraints.Float](path string, m *linalg.Dense[T], p model.Params) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteMatrix(f, m); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	pf, err := os.Create(ParamsPath(path))
	if err != nil {
		return err
	}
	if err := WriteParams(pf, p); err != nil {
		_ = pf.Close()
		return fmt.Errorf("write %s: %w", ParamsPath(path), err)
	}
	return pf.Close()
}

func readMatrixFile[T constraints.Float](path string) (*linalg.Dense[T], model.Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, model.Params{}, err
	}
	defer f.Close()
	m, err := ReadMatrix[T](f)
	if err != nil {
		return nil, model.Params{}, fmt.Errorf("read %s: %w", path, err)
	}

	pf, err := os.Open(ParamsPath(path))
	if err != nil {
		return nil, model.Params{}, err
	}
	defer pf.Close()
	p, err := ReadParams(pf)
	if err != nil {
		return nil, model.Params{}, fmt.Errorf("read %s: %w", ParamsPath(path), err)
	}
	return m, p, nil
}

// SaveWeights writes W, Win and, when trained, Wout into dir with their
// parameter files.
func SaveWeights[T constraints.Float](dir string, w *reservoir.Weights[T], p model.Params) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := writeMatrixFile(filepath.Join(dir, RecurrentFile), w.W, p); err != nil {
		return err
	}
	if err := writeMatrixFile(filepath.Join(dir, InputFile), w.Win, p); err != nil {
		return err
	}
	if w.Trained() {
		return writeMatrixFile(filepath.Join(dir, ReadoutFile), w.Wout, p)
	}
	return nil
}

// LoadWeights reads W and Win from separate files and, when woutPath is not
// empty, a trained readout. The recorded neuron counts must agree and match
// the matrices.
func LoadWeights[T constraints.Float](wPath, winPath, woutPath string) (*reservoir.Weights[T], model.Params, error) {
	w, wParams, err := readMatrixFile[T](wPath)
	if err != nil {
		return nil, model.Params{}, err
	}
	win, winParams, err := readMatrixFile[T](winPath)
	if err != nil {
		return nil, model.Params{}, err
	}
	if wParams.Neurons != winParams.Neurons {
		return nil, model.Params{}, fmt.Errorf("%w (%w): %s records %d neurons, %s records %d",
			ErrParamsMismatch, reservoir.ErrConfig, wPath, wParams.Neurons, winPath, winParams.Neurons)
	}

	weights := &reservoir.Weights[T]{W: w, Win: win}
	if woutPath != "" {
		wout, woutParams, err := readMatrixFile[T](woutPath)
		if err != nil {
			return nil, model.Params{}, err
		}
		if woutParams.Neurons != wParams.Neurons {
			return nil, model.Params{}, fmt.Errorf("%w (%w): %s records %d neurons, %s records %d",
				ErrParamsMismatch, reservoir.ErrConfig, wPath, wParams.Neurons, woutPath, woutParams.Neurons)
		}
		weights.Wout = wout
	}
	if err := weights.Validate(wParams.Neurons); err != nil {
		return nil, model.Params{}, err
	}
	return weights, wParams, nil
}

// NewReadoutRecord widens a trained readout for the run store.
func NewReadoutRecord[T constraints.Float](runID string, wout *linalg.Dense[T]) model.ReadoutRecord {
	data := make([]float64, len(wout.Data))
	for i, v := range wout.Data {
		data[i] = float64(v)
	}
	return model.ReadoutRecord{
		VersionedRecord: CurrentVersion(),
		RunID:           runID,
		Precision:       linalg.Precision[T](),
		Rows:            wout.Rows,
		Cols:            wout.Cols,
		Data:            data,
	}
}

// ReadoutMatrix narrows a stored readout back to T.
func ReadoutMatrix[T constraints.Float](r model.ReadoutRecord) (*linalg.Dense[T], error) {
	if r.Rows <= 0 || r.Cols <= 0 || len(r.Data) != r.Rows*r.Cols {
		return nil, fmt.Errorf("%w: readout %s holds %d values for %dx%d",
			reservoir.ErrConfig, r.RunID, len(r.Data), r.Rows, r.Cols)
	}
	m := linalg.NewDense[T](r.Rows, r.Cols, nil)
	for i, v := range r.Data {
		m.Data[i] = T(v)
	}
	return m, nil
}

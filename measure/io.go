package measure

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/robert-malhotra/go-hdf5/hdf5"

	"em-measure/internal/nd"
	"em-measure/pkg/axes"
)

// Save writes a measurement to an HDF5 file. The array lands in a flat
// dataset named "array" with the shape, kind tag, calibration, axis metadata
// and free-form metadata attached as attributes. Complex values are stored
// as a trailing real/imaginary component axis. Saving forces lazy arrays.
func Save(m Measurement, path string) error {
	dense, err := m.array().Compute()
	if err != nil {
		return err
	}
	slog.Debug("saving measurement", "path", path, "type", m.kindTag(), "shape", dense.Shape())

	values, shape, isComplex := flattenForStorage(dense)

	extraAxes := make([]map[string]any, 0, len(m.ExtraAxes()))
	for _, ax := range m.ExtraAxes() {
		extraAxes = append(extraAxes, ax.ToMap())
	}
	extraJSON, err := json.Marshal(extraAxes)
	if err != nil {
		return fmt.Errorf("encoding extra axes: %w", err)
	}
	calJSON, err := json.Marshal(m.calibration())
	if err != nil {
		return fmt.Errorf("encoding calibration: %w", err)
	}
	metaJSON, err := json.Marshal(m.Metadata())
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	f, err := hdf5.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	complexFlag := int64(0)
	if isComplex {
		complexFlag = 1
	}
	_, err = f.Root().CreateDataset("array", values,
		hdf5.WithAttribute("type", m.kindTag()),
		hdf5.WithAttribute("shape", shape),
		hdf5.WithAttribute("complex", complexFlag),
		hdf5.WithAttribute("calibration", string(calJSON)),
		hdf5.WithAttribute("extra_axes", string(extraJSON)),
		hdf5.WithAttribute("metadata", string(metaJSON)),
	)
	if err != nil {
		return fmt.Errorf("writing dataset: %w", err)
	}
	return f.Close()
}

// Load reads a measurement saved by Save, dispatching on the stored kind
// tag. An unknown tag fails with a TypeError.
func Load(path string) (Measurement, error) {
	f, err := hdf5.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ds, err := f.Root().OpenDataset("array")
	if err != nil {
		return nil, fmt.Errorf("opening dataset: %w", err)
	}

	tag, err := ds.Attr("type").ReadScalarString()
	if err != nil {
		return nil, fmt.Errorf("reading type tag: %w", err)
	}
	load, ok := kindLoaders[tag]
	if !ok {
		return nil, &TypeError{Op: "load", Want: "a registered measurement kind", Got: tag}
	}

	shape64, err := ds.Attr("shape").ReadInt64()
	if err != nil {
		return nil, fmt.Errorf("reading shape: %w", err)
	}
	complexFlag, err := ds.Attr("complex").ReadScalarInt64()
	if err != nil {
		return nil, fmt.Errorf("reading complex flag: %w", err)
	}
	values, err := ds.ReadFloat64()
	if err != nil {
		return nil, fmt.Errorf("reading array: %w", err)
	}
	data, err := unflattenFromStorage(values, shape64, complexFlag != 0)
	if err != nil {
		return nil, err
	}

	var cal map[string]any
	if err := readJSONAttr(ds, "calibration", &cal); err != nil {
		return nil, err
	}
	var extraMaps []map[string]any
	if err := readJSONAttr(ds, "extra_axes", &extraMaps); err != nil {
		return nil, err
	}
	extra := make([]axes.Axis, 0, len(extraMaps))
	for _, em := range extraMaps {
		ax, err := axes.FromMap(em)
		if err != nil {
			return nil, fmt.Errorf("decoding extra axes: %w", err)
		}
		extra = append(extra, ax)
	}
	var meta map[string]any
	if err := readJSONAttr(ds, "metadata", &meta); err != nil {
		return nil, err
	}

	slog.Debug("loaded measurement", "path", path, "type", tag, "shape", shape64)
	return load(data, extra, meta, cal)
}

func readJSONAttr(ds *hdf5.Dataset, name string, dest any) error {
	raw, err := ds.Attr(name).ReadScalarString()
	if err != nil {
		return fmt.Errorf("reading attribute %q: %w", name, err)
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return fmt.Errorf("decoding attribute %q: %w", name, err)
	}
	return nil
}

// flattenForStorage returns the array's values as a flat real slice plus
// the stored shape. Complex arrays grow a trailing length-2 component axis.
func flattenForStorage(a *nd.Array) ([]float64, []int64, bool) {
	shape := a.Shape()
	if !a.IsComplex() {
		out := make([]int64, len(shape))
		for i, n := range shape {
			out[i] = int64(n)
		}
		return append([]float64(nil), a.Data()...), out, false
	}

	values := make([]float64, 0, 2*a.Size())
	for _, v := range a.CData() {
		values = append(values, real(v), imag(v))
	}
	out := make([]int64, len(shape)+1)
	for i, n := range shape {
		out[i] = int64(n)
	}
	out[len(shape)] = 2
	return values, out, true
}

func unflattenFromStorage(values []float64, shape64 []int64, isComplex bool) (*nd.Array, error) {
	shape := make([]int, len(shape64))
	total := 1
	for i, n := range shape64 {
		shape[i] = int(n)
		total *= int(n)
	}
	if total != len(values) {
		return nil, &ValidationError{Op: "load", Reason: fmt.Sprintf("%d values do not fill shape %v", len(values), shape)}
	}
	if !isComplex {
		return nd.FromSlice(values, shape...), nil
	}
	if len(shape) == 0 || shape[len(shape)-1] != 2 {
		return nil, &ValidationError{Op: "load", Reason: "complex array is missing its component axis"}
	}
	cplx := make([]complex128, total/2)
	for i := range cplx {
		cplx[i] = complex(values[2*i], values[2*i+1])
	}
	return nd.FromComplex(cplx, shape[:len(shape)-1]...), nil
}

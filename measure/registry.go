package measure

import (
	"fmt"

	"em-measure/internal/nd"
	"em-measure/pkg/axes"
)

// loader reconstructs a measurement kind from its array, axis metadata and
// decoded calibration attributes.
type loader func(data *nd.Array, extra []axes.Axis, meta map[string]any, cal map[string]any) (Measurement, error)

var kindLoaders = map[string]loader{}

func registerKind(tag string, l loader) {
	if _, ok := kindLoaders[tag]; ok {
		panic(fmt.Sprintf("measure: duplicate measurement kind %q", tag))
	}
	kindLoaders[tag] = l
}

func init() {
	registerKind("images", func(data *nd.Array, extra []axes.Axis, meta, cal map[string]any) (Measurement, error) {
		sampling, err := calPair(cal, "sampling")
		if err != nil {
			return nil, err
		}
		return NewImages(data, sampling, extra, meta)
	})
	registerKind("line_profiles", func(data *nd.Array, extra []axes.Axis, meta, cal map[string]any) (Measurement, error) {
		start, err := calPair(cal, "start")
		if err != nil {
			return nil, err
		}
		end, err := calPair(cal, "end")
		if err != nil {
			return nil, err
		}
		sampling, err := calFloat(cal, "sampling")
		if err != nil {
			return nil, err
		}
		return NewLineProfiles(data, start, end, sampling, extra, meta)
	})
	registerKind("radial_fourier_profiles", func(data *nd.Array, extra []axes.Axis, meta, cal map[string]any) (Measurement, error) {
		sampling, err := calFloat(cal, "sampling")
		if err != nil {
			return nil, err
		}
		return NewRadialFourierProfiles(data, sampling, extra, meta)
	})
	registerKind("diffraction_patterns", func(data *nd.Array, extra []axes.Axis, meta, cal map[string]any) (Measurement, error) {
		sampling, err := calPair(cal, "sampling")
		if err != nil {
			return nil, err
		}
		energy, err := calFloat(cal, "energy")
		if err != nil {
			return nil, err
		}
		fftshift, err := calBool(cal, "fftshift")
		if err != nil {
			return nil, err
		}
		return NewDiffractionPatterns(data, sampling, energy, fftshift, extra, meta)
	})
	registerKind("polar_measurements", func(data *nd.Array, extra []axes.Axis, meta, cal map[string]any) (Measurement, error) {
		values := make(map[string]float64, 4)
		for _, key := range []string{"radial_sampling", "azimuthal_sampling", "radial_offset", "azimuthal_offset"} {
			v, err := calFloat(cal, key)
			if err != nil {
				return nil, err
			}
			values[key] = v
		}
		return NewPolarMeasurements(data,
			values["radial_sampling"], values["azimuthal_sampling"],
			values["radial_offset"], values["azimuthal_offset"],
			extra, meta)
	})
}

func calFloat(cal map[string]any, key string) (float64, error) {
	v, ok := cal[key]
	if !ok {
		return 0, &ValidationError{Op: "load", Reason: fmt.Sprintf("calibration is missing %q", key)}
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, &ValidationError{Op: "load", Reason: fmt.Sprintf("calibration field %q is not numeric", key)}
	}
	return f, nil
}

func calBool(cal map[string]any, key string) (bool, error) {
	v, ok := cal[key]
	if !ok {
		return false, &ValidationError{Op: "load", Reason: fmt.Sprintf("calibration is missing %q", key)}
	}
	b, ok := v.(bool)
	if !ok {
		return false, &ValidationError{Op: "load", Reason: fmt.Sprintf("calibration field %q is not boolean", key)}
	}
	return b, nil
}

func calPair(cal map[string]any, key string) ([2]float64, error) {
	v, ok := cal[key].([]any)
	if !ok || len(v) != 2 {
		return [2]float64{}, &ValidationError{Op: "load", Reason: fmt.Sprintf("calibration field %q is not a pair", key)}
	}
	var out [2]float64
	for i, item := range v {
		f, ok := toFloat(item)
		if !ok {
			return [2]float64{}, &ValidationError{Op: "load", Reason: fmt.Sprintf("calibration field %q is not numeric", key)}
		}
		out[i] = f
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

package measure

import (
	"math"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"

	"em-measure/internal/nd"
)

// ShowOptions configures Show. Power applies a power scaling to the values
// before rendering; zero means linear.
type ShowOptions struct {
	Title string
	Power float64
}

// Show materializes the measurement and renders its first entry: a heatmap
// for two-dimensional kinds, a line for profiles, and a bin raster for polar
// measurements. Complex values are rendered by magnitude.
func Show(m Measurement, opts ShowOptions) (*plot.Plot, error) {
	dense, err := m.array().Compute()
	if err != nil {
		return nil, err
	}

	// First entry along every extra axis.
	for dense.NumDims() > m.NumBaseAxes() {
		dense = dense.Pick(0, 0)
	}
	if dense.IsComplex() {
		dense = dense.Abs()
	}
	if opts.Power != 0 && opts.Power != 1 {
		dense = dense.Clone()
		for i, v := range dense.Data() {
			dense.Data()[i] = math.Pow(v, opts.Power)
		}
	}

	p := plot.New()
	p.Title.Text = opts.Title

	switch kind := m.(type) {
	case *Images:
		p.X.Label.Text = "x [Å]"
		p.Y.Label.Text = "y [Å]"
		addHeatMap(p, dense, 0, 0, kind.Sampling()[0], kind.Sampling()[1])
	case *DiffractionPatterns:
		x0, y0 := 0.0, 0.0
		dx, dy := kind.Sampling()[0], kind.Sampling()[1]
		p.X.Label.Text = "Scattering frequency x [1/Å]"
		p.Y.Label.Text = "Scattering frequency y [1/Å]"
		if extent, err := kind.AngularExtent(); err == nil {
			as, _ := kind.AngularSampling()
			x0, y0 = extent[0][0], extent[1][0]
			dx, dy = as[0], as[1]
			p.X.Label.Text = "Scattering angle x [mrad]"
			p.Y.Label.Text = "Scattering angle y [mrad]"
		}
		addHeatMap(p, dense, x0, y0, dx, dy)
	case *PolarMeasurements:
		p.X.Label.Text = "Radial scattering angle [mrad]"
		p.Y.Label.Text = "Azimuthal angle [rad]"
		addHeatMap(p, dense, kind.RadialOffset(), kind.AzimuthalOffset(), kind.RadialSampling(), kind.AzimuthalSampling())
	case *LineProfiles:
		p.X.Label.Text = "x [Å]"
		if err := addLine(p, dense, 0, kind.Sampling()); err != nil {
			return nil, err
		}
	case *RadialFourierProfiles:
		p.X.Label.Text = "Scattering angle [mrad]"
		if err := addLine(p, dense, 0, kind.Sampling()); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupported
	}
	return p, nil
}

// heatGrid adapts a 2-D array to the plotter grid interface.
type heatGrid struct {
	a      *nd.Array
	x0, y0 float64
	dx, dy float64
}

func (g heatGrid) Dims() (int, int) {
	shape := g.a.Shape()
	return shape[0], shape[1]
}

func (g heatGrid) Z(c, r int) float64 { return g.a.At(c, r) }
func (g heatGrid) X(c int) float64    { return g.x0 + g.dx*float64(c) }
func (g heatGrid) Y(r int) float64    { return g.y0 + g.dy*float64(r) }

func addHeatMap(p *plot.Plot, a *nd.Array, x0, y0, dx, dy float64) {
	grid := heatGrid{a: a, x0: x0, y0: y0, dx: dx, dy: dy}
	p.Add(plotter.NewHeatMap(grid, palette.Heat(12, 1)))
}

func addLine(p *plot.Plot, a *nd.Array, offset, sampling float64) error {
	data := a.Data()
	xys := make(plotter.XYs, len(data))
	for i, v := range data {
		xys[i].X = offset + sampling*float64(i)
		xys[i].Y = v
	}
	line, err := plotter.NewLine(xys)
	if err != nil {
		return err
	}
	p.Add(line)
	return nil
}

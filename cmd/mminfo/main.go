// Command mminfo summarizes a saved measurement file and optionally renders
// its first entry to a PNG.
package main

import (
	"flag"
	"fmt"
	"os"

	"gonum.org/v1/plot/vg"

	"em-measure/measure"
)

func main() {
	filePath := flag.String("file", "", "Path to a measurement HDF5 file")
	pngPath := flag.String("png", "", "Optional PNG output path for a rendered preview")
	power := flag.Float64("power", 0, "Power scaling applied before rendering (0 = linear)")
	flag.Parse()

	if *filePath == "" {
		fmt.Println("Usage: mminfo -file <path> [-png out.png] [-power 0.5]")
		os.Exit(1)
	}

	m, err := measure.Load(*filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load measurement: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("File: %s\n", *filePath)
	fmt.Printf("Kind: %T\n", m)
	fmt.Printf("Shape: %v (base %v)\n", m.Shape(), m.BaseShape())

	fmt.Println("\nBase axes:")
	for i, ax := range m.BaseAxes() {
		fmt.Printf("  %d: %-24s %g %s/px (%s)\n", i, ax.Label, ax.Sampling, ax.Units, ax.Kind)
	}
	if extra := m.ExtraAxes(); len(extra) > 0 {
		fmt.Println("\nExtra axes:")
		for i, ax := range extra {
			scan := ""
			if ax.IsScan() {
				scan = " [scan]"
			}
			fmt.Printf("  %d: %-24s %g %s offset %g%s\n", i, ax.Label, ax.Sampling, ax.Units, ax.Offset, scan)
		}
	}

	switch kind := m.(type) {
	case *measure.Images:
		fmt.Printf("\nExtent: %.4g x %.4g Å\n", kind.Extent()[0], kind.Extent()[1])
	case *measure.DiffractionPatterns:
		fmt.Printf("\nEnergy: %g eV, fftshifted: %v\n", kind.Energy(), kind.FFTShifted())
		if max, err := kind.MaxAngles(); err == nil {
			fmt.Printf("Max angles: %.4g x %.4g mrad\n", max[0], max[1])
		}
	case *measure.LineProfiles:
		fmt.Printf("\nSegment: %v -> %v, %.4g Å\n", kind.Start(), kind.End(), kind.Extent())
	case *measure.PolarMeasurements:
		fmt.Printf("\nDetector: %.4g-%.4g mrad\n", kind.RadialOffset(), kind.OuterAngle())
	}

	if meta := m.Metadata(); len(meta) > 0 {
		fmt.Println("\nMetadata:")
		for k, v := range meta {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}

	if *pngPath != "" {
		p, err := measure.Show(m, measure.ShowOptions{Title: *filePath, Power: *power})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render: %v\n", err)
			os.Exit(1)
		}
		if err := p.Save(6*vg.Inch, 5*vg.Inch, *pngPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save PNG: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nRendered preview to %s\n", *pngPath)
	}
}

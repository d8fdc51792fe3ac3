// Command polarbin integrates saved diffraction patterns onto a polar
// detector grid and writes the binned result to a new file.
package main

import (
	"flag"
	"fmt"
	"os"

	"em-measure/measure"
)

func main() {
	inPath := flag.String("in", "", "Path to a diffraction pattern HDF5 file")
	outPath := flag.String("out", "", "Output path for the binned measurement")
	nRadial := flag.Int("nradial", 16, "Number of radial bins")
	nAzimuthal := flag.Int("nazimuthal", 1, "Number of azimuthal bins")
	inner := flag.Float64("inner", 0, "Inner integration angle [mrad]")
	outer := flag.Float64("outer", 0, "Outer integration angle [mrad] (0 = maximum)")
	rotation := flag.Float64("rotation", 0, "Azimuthal rotation [rad]")
	flag.Parse()

	if *inPath == "" || *outPath == "" {
		fmt.Println("Usage: polarbin -in <patterns.h5> -out <binned.h5> [-nradial 16] [-nazimuthal 1] [-inner 0] [-outer 0] [-rotation 0]")
		os.Exit(1)
	}

	m, err := measure.Load(*inPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load measurement: %v\n", err)
		os.Exit(1)
	}
	patterns, ok := m.(*measure.DiffractionPatterns)
	if !ok {
		fmt.Fprintf(os.Stderr, "Expected diffraction patterns, got %T\n", m)
		os.Exit(1)
	}

	outerAngle := *outer
	if outerAngle <= 0 {
		max, err := patterns.MaxAngles()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot derive the outer angle: %v\n", err)
			os.Exit(1)
		}
		outerAngle = max[0]
		if max[1] < outerAngle {
			outerAngle = max[1]
		}
	}

	fmt.Printf("Binning %v patterns into %dx%d bins over %.4g-%.4g mrad\n",
		patterns.Shape(), *nRadial, *nAzimuthal, *inner, outerAngle)

	binned, err := patterns.PolarBinning(*nRadial, *nAzimuthal, *inner, outerAngle, *rotation)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Binning failed: %v\n", err)
		os.Exit(1)
	}
	if err := measure.Save(binned, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save result: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", *outPath)
}

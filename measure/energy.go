package measure

import "math"

// CODATA 2018 values.
const (
	planckConstant = 6.62607015e-34   // J s
	speedOfLight   = 299792458.0      // m/s
	electronMass   = 9.1093837015e-31 // kg
	electronCharge = 1.602176634e-19  // C
)

// EnergyToWavelength converts an electron acceleration energy in eV to the
// relativistic de Broglie wavelength in Ångström.
func EnergyToWavelength(energy float64) float64 {
	rest := 2 * electronMass * speedOfLight * speedOfLight / electronCharge
	return planckConstant * speedOfLight /
		math.Sqrt(energy*(rest+energy)) / electronCharge * 1e10
}

package besmart

import "math"

// The vendor wire format carries temperatures as two fields, the integer part
// and the first decimal digit. Values are rounded to one decimal before the
// split so a Fahrenheit conversion survives a round trip within 0.1 degrees.

// FahrenheitToCelsius converts to Celsius rounded to one decimal.
func FahrenheitToCelsius(f float64) float64 {
	return round1((f - 32.0) / 1.8)
}

// CelsiusToFahrenheit converts to Fahrenheit rounded to one decimal.
func CelsiusToFahrenheit(c float64) float64 {
	return round1(32.0 + c*1.8)
}

// SplitTemperature breaks a temperature into the wire integer part and the
// first decimal digit. The wire fields carry no sign, so values below zero
// collapse to 0.0.
func SplitTemperature(v float64) (integer, fraction int) {
	if v < 0 {
		return 0, 0
	}
	r := round1(v)
	integer = int(r)
	fraction = int(math.Round((r - float64(integer)) * 10))
	if fraction >= 10 {
		integer++
		fraction -= 10
	}
	return integer, fraction
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

package ecu

import "math"

// Thermistor lookup tables are generated at init from two reference
// temperature / resistance points using the beta coefficient model :
//
//	beta = ln(R1/R2) / (1/T1 - 1/T2)      (T in Kelvin)
//	R(T) = Rref * exp(beta * (1/T - 1/Tref))
//
// The table is generated in descending temperature order so the divider
// voltages increase monotonically as temperature drops.

const kelvinOffset = 273.15

// ThermistorTable maps divider voltage to temperature
type ThermistorTable struct {
	Voltages []float32 // monotonically increasing
	Temps    []float32 // matching temperatures, descending
}

// GenerateThermistorTable builds a lookup table for a thermistor pulled up
// to vref through pullupOhms, from two known (temperature °C, resistance Ω)
// reference points. tempMin..tempMax is divided into points-1 equal steps,
// generated from hot to cold.
func GenerateThermistorTable(temp1C, res1 float32, temp2C, res2 float32,
	pullupOhms float32, vref float32, tempMinC, tempMaxC float32, points int) ThermistorTable {

	if points < 2 {
		points = 2
	}

	t1 := float64(temp1C + kelvinOffset)
	t2 := float64(temp2C + kelvinOffset)
	beta := math.Log(float64(res1)/float64(res2)) / (1.0/t1 - 1.0/t2)

	table := ThermistorTable{
		Voltages: make([]float32, points),
		Temps:    make([]float32, points),
	}

	step := (tempMaxC - tempMinC) / float32(points-1)
	for i := 0; i < points; i++ {
		tempC := tempMaxC - float32(i)*step
		tK := float64(tempC + kelvinOffset)
		resistance := float64(res1) * math.Exp(beta*(1.0/tK-1.0/t1))
		voltage := float64(vref) * resistance / (resistance + float64(pullupOhms))
		table.Temps[i] = tempC
		table.Voltages[i] = float32(voltage)
	}
	return table
}

// Lookup interpolates the temperature for a measured divider voltage.
// Out-of-range voltages clamp to the table endpoints.
func (t *ThermistorTable) Lookup(voltage float32) float32 {
	n := len(t.Voltages)
	if n == 0 {
		return 0
	}
	if voltage <= t.Voltages[0] {
		return t.Temps[0]
	}
	if voltage >= t.Voltages[n-1] {
		return t.Temps[n-1]
	}
	for i := 1; i < n; i++ {
		if voltage <= t.Voltages[i] {
			v0, v1 := t.Voltages[i-1], t.Voltages[i]
			f := (voltage - v0) / (v1 - v0)
			return t.Temps[i-1] + f*(t.Temps[i]-t.Temps[i-1])
		}
	}
	return t.Temps[n-1]
}

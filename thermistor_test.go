package ecu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Typical GM-style transmission fluid temp sensor references
func generateTestTable() ThermistorTable {
	return GenerateThermistorTable(
		25.0, 10000.0, // 10k at 25°C
		100.0, 680.0, // 680R at 100°C
		2200.0, 3.3, // 2.2k pullup to 3.3V
		-20.0, 150.0, 33)
}

func TestTableShape(t *testing.T) {
	table := generateTestTable()
	assert.Len(t, table.Voltages, 33)
	assert.Len(t, table.Temps, 33)

	// descending temperature, ascending voltage
	for i := 1; i < len(table.Temps); i++ {
		assert.Less(t, table.Temps[i], table.Temps[i-1])
		assert.Greater(t, table.Voltages[i], table.Voltages[i-1])
	}
	assert.EqualValues(t, 150.0, table.Temps[0])
	assert.EqualValues(t, -20.0, table.Temps[len(table.Temps)-1])
}

func TestLookupReferencePoints(t *testing.T) {
	table := generateTestTable()

	// 25°C: 10k against 2.2k pullup -> 3.3 * 10000/12200
	v25 := float32(3.3 * 10000.0 / 12200.0)
	assert.InDelta(t, 25.0, table.Lookup(v25), 1.0)

	// 100°C: 680R against 2.2k pullup
	v100 := float32(3.3 * 680.0 / 2880.0)
	assert.InDelta(t, 100.0, table.Lookup(v100), 1.0)
}

func TestLookupClampsToEndpoints(t *testing.T) {
	table := generateTestTable()
	assert.EqualValues(t, table.Temps[0], table.Lookup(0.0))
	assert.EqualValues(t, table.Temps[len(table.Temps)-1], table.Lookup(3.3))
}

func TestLookupMonotonic(t *testing.T) {
	table := generateTestTable()
	prev := table.Lookup(0.1)
	for v := float32(0.2); v < 3.2; v += 0.1 {
		cur := table.Lookup(v)
		assert.LessOrEqual(t, cur, prev)
		prev = cur
	}
}

func TestEmptyTable(t *testing.T) {
	table := ThermistorTable{}
	assert.EqualValues(t, 0.0, table.Lookup(1.0))
}

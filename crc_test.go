package ecu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCcittSingle(t *testing.T) {
	crc := crc16(0)
	crc.ccittSingle(10)
	if crc != 0xA14A {
		t.Errorf("Was expecting 0xA14A, got %x", crc)
	}
}

func TestCcittBlock(t *testing.T) {
	single := crc16(0)
	for _, b := range []byte("backslider") {
		single.ccittSingle(b)
	}
	block := crc16(0)
	block.ccittBlock([]byte("backslider"))
	assert.Equal(t, single, block)
}

func TestKeyHashDeterministic(t *testing.T) {
	assert.Equal(t, KeyHash("trans.line_pressure"), KeyHash("trans.line_pressure"))
	assert.NotEqual(t, KeyHash("trans.line_pressure"), KeyHash("trans.debounce"))
	assert.NotZero(t, KeyHash("trans.line_pressure"))
}

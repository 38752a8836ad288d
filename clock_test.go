package ecu

// Manually advanced clock used across the package tests
type testClock struct {
	micros uint32
}

func (c *testClock) Micros() uint32 { return c.micros }
func (c *testClock) Millis() uint32 { return c.micros / 1000 }

func (c *testClock) advanceUs(us uint32) { c.micros += us }
func (c *testClock) advanceMs(ms uint32) { c.micros += ms * 1000 }

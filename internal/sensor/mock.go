package sensor

import "time"

// Mock is a bus-less poller for running without hardware. It keeps the
// real conversion timing so loop behaviour is unchanged.
type Mock struct {
	value    float64
	phase    Phase
	deadline time.Duration
}

// NewMock returns a poller that reports value after every conversion.
func NewMock(value float64) *Mock {
	return &Mock{value: value}
}

// SetValue changes the temperature reported by subsequent conversions.
func (m *Mock) SetValue(v float64) { m.value = v }

// Poll implements [Poller].
func (m *Mock) Poll(now time.Duration) Result {
	if m.phase == Idle {
		m.deadline = now + ConversionDelay
		m.phase = AwaitingConversion
		return Result{Status: Continue}
	}
	if now < m.deadline {
		return Result{Status: Continue}
	}
	m.phase = Idle
	return Result{Status: OK, Value: m.value}
}

package sensor

import (
	"fmt"
	"log/slog"
	"time"
)

// One-wire function commands.
const (
	cmdConvertT       byte = 0x44
	cmdReadScratchpad byte = 0xBE
)

const (
	scratchpadSize = 9
	romSize        = 8
)

// Address is a 64-bit one-wire ROM code: family, serial, CRC.
type Address [romSize]byte

func (a Address) String() string {
	return fmt.Sprintf("%02x-%02x%02x%02x%02x%02x%02x", a[0], a[6], a[5], a[4], a[3], a[2], a[1])
}

// Bus is a one-wire master. Every method is a single bus transaction
// measured in microseconds, which is what keeps [DS18x20.Poll] from
// blocking the loop.
type Bus interface {
	// Reset issues a reset pulse and reports whether any device
	// answered with a presence pulse.
	Reset() bool
	// ResetSearch restarts ROM enumeration from the beginning.
	ResetSearch()
	// Search finds the next device and writes its ROM code to addr.
	// It returns false when no further device is present.
	Search(addr *Address) bool
	// Select addresses a single device (MATCH ROM).
	Select(addr Address)
	// Write sends one byte. When power is true the line is held high
	// afterwards to feed parasite-powered devices.
	Write(b byte, power bool)
	// Read receives one byte.
	Read() byte
}

// DS18x20 polls the first DS18x20 found on a one-wire bus. The ROM
// search is repeated for every conversion so a sensor that is swapped
// or reconnected is picked up without a restart.
type DS18x20 struct {
	bus    Bus
	logger *slog.Logger

	addr     Address
	family   byte
	phase    Phase
	deadline time.Duration
	value    float64
}

// NewDS18x20 creates a poller on bus.
func NewDS18x20(bus Bus, logger *slog.Logger) *DS18x20 {
	if logger == nil {
		logger = slog.Default()
	}
	return &DS18x20{bus: bus, logger: logger}
}

// Poll advances the conversion cycle. See the package documentation.
func (s *DS18x20) Poll(now time.Duration) Result {
	switch s.phase {
	case Idle:
		if !s.search() {
			return Result{Status: Failure}
		}
		s.bus.Reset()
		s.bus.Select(s.addr)
		s.bus.Write(cmdConvertT, true) // keep parasite power up during conversion
		s.deadline = now + ConversionDelay
		s.phase = AwaitingConversion
		return Result{Status: Continue}

	case AwaitingConversion:
		if now < s.deadline {
			return Result{Status: Continue}
		}
	}

	s.phase = Idle

	s.bus.Reset()
	s.bus.Select(s.addr)
	s.bus.Write(cmdReadScratchpad, false)

	var data [scratchpadSize]byte
	for i := range data {
		data[i] = s.bus.Read()
	}

	if CRC8(data[:8]) != data[8] {
		s.logger.Debug("scratchpad CRC mismatch", "addr", s.addr.String(), "data", fmt.Sprintf("% x", data))
		return Result{Status: Failure}
	}

	v := DecodeScratchpad(data, s.family)
	if v == PowerOnValue {
		s.logger.Debug("discarding power-on reading", "addr", s.addr.String())
		return Result{Status: Failure}
	}

	s.value = v
	return Result{Status: OK, Value: v}
}

// Value returns the last good reading.
func (s *DS18x20) Value() float64 { return s.value }

// Phase reports whether a conversion is in flight.
func (s *DS18x20) Phase() Phase { return s.phase }

// search locates the sensor and validates its ROM code.
func (s *DS18x20) search() bool {
	var addr Address

	s.bus.ResetSearch()
	if !s.bus.Search(&addr) {
		s.logger.Debug("no one-wire device found")
		return false
	}

	if CRC8(addr[:7]) != addr[7] {
		s.logger.Debug("ROM CRC is not valid", "addr", addr.String())
		return false
	}

	if !supportedFamily(addr[0]) {
		s.logger.Debug("device is not a DS18x20 family device", "family", fmt.Sprintf("0x%02x", addr[0]))
		return false
	}

	s.addr = addr
	s.family = addr[0]
	return true
}

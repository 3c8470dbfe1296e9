// Package sensor reads DS18x20 one-wire temperature sensors without
// blocking the control loop.
//
// A conversion takes up to 750 ms at 12-bit resolution. Rather than
// sleeping, a [Poller] starts the conversion, remembers a deadline and
// answers [Continue] until the caller's clock passes it. Only then is
// the scratchpad read and decoded. The caller supplies the clock on
// every call so tests can drive it deterministically.
package sensor

import "time"

// ConversionDelay is how long a poller waits between issuing a convert
// command and reading the scratchpad. It is deliberately longer than the
// 750 ms datasheet maximum to cover parasite-powered sensors.
const ConversionDelay = 1500 * time.Millisecond

// PowerOnValue is the scratchpad temperature a DS18x20 reports before
// its first completed conversion. Reading it back means the conversion
// never ran (brown-out, lost parasite power), so it is never a real
// measurement.
const PowerOnValue = 85.0

// Status is the outcome of a single [Poller.Poll] call.
type Status int

const (
	// Continue means a conversion is in flight; call again later.
	Continue Status = iota
	// Failure means no usable reading this round. The next poll starts over.
	Failure
	// OK means Result.Value holds a fresh temperature.
	OK
)

func (s Status) String() string {
	switch s {
	case Continue:
		return "continue"
	case Failure:
		return "failure"
	case OK:
		return "ok"
	default:
		return "unknown"
	}
}

// Phase is where a poller is in its conversion cycle.
type Phase int

const (
	// Idle means the next poll will start a conversion.
	Idle Phase = iota
	// AwaitingConversion means a conversion has been started and the
	// poller is waiting for its deadline.
	AwaitingConversion
)

// Result is returned by every poll. Value is only meaningful when
// Status is OK.
type Result struct {
	Status Status
	Value  float64
}

// Poller is implemented by every sensor driver. Poll must never block
// for longer than a single bus transaction.
type Poller interface {
	Poll(now time.Duration) Result
}

// Family codes from the first ROM byte.
const (
	FamilyDS18S20 byte = 0x10
	FamilyDS18B20 byte = 0x28
	FamilyDS1822  byte = 0x22
)

// supportedFamily reports whether code is a DS18x20 family member.
func supportedFamily(code byte) bool {
	switch code {
	case FamilyDS18S20, FamilyDS18B20, FamilyDS1822:
		return true
	}
	return false
}

// CRC8 computes the Dallas/Maxim one-wire CRC (polynomial x^8+x^5+x^4+1,
// LSB first) used for both ROM codes and scratchpads.
func CRC8(data []byte) byte {
	var crc byte
	for _, b := range data {
		for i := 0; i < 8; i++ {
			mix := (crc ^ b) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8C
			}
			b >>= 1
		}
	}
	return crc
}

// DecodeScratchpad converts a 9-byte scratchpad into degrees Celsius.
//
// DS18S20 parts report 9-bit values; when the count-per-degree register
// holds its fixed 0x10 the count-remain register extends them to 12
// bits. The other parts carry their resolution in bits 5-6 of the
// configuration register, and the undefined low bits are cleared at the
// lower resolutions.
func DecodeScratchpad(data [9]byte, family byte) float64 {
	raw := int16(uint16(data[1])<<8 | uint16(data[0]))

	if family == FamilyDS18S20 {
		raw <<= 3
		if data[7] == 0x10 {
			raw = (raw &^ 0x0F) + 12 - int16(data[6])
		}
	} else {
		switch data[4] & 0x60 {
		case 0x00:
			raw &^= 7 // 9 bit, 93.75 ms
		case 0x20:
			raw &^= 3 // 10 bit, 187.5 ms
		case 0x40:
			raw &^= 1 // 11 bit, 375 ms
		}
	}

	return float64(raw) / 16.0
}

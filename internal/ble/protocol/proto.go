// Package protocol decodes the Aranet4 "current readings" GATT characteristic.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Payload layout of the current readings characteristic (all little-endian):
//
//	[0:2]   CO2, ppm
//	[2:4]   temperature, 1/20 °C
//	[4:6]   pressure, 1/10 hPa
//	[6]     relative humidity, %
//	[7]     battery, %
//	[8]     status (1 green, 2 yellow, 3 red)
//	[9:11]  measurement interval, seconds (extended layout only)
//	[11:13] seconds since the last measurement (extended layout only)
const (
	MinPayloadLen      = 9
	ExtendedPayloadLen = 13
)

var (
	// ErrTooShort is returned when the payload is shorter than MinPayloadLen.
	ErrTooShort = errors.New("protocol: payload too short")
	// ErrUnexpectedLayout is returned for payloads that carry a truncated
	// extended section.
	ErrUnexpectedLayout = errors.New("protocol: unexpected payload layout")
)

// Decode parses a current readings payload captured at the given instant.
// It never returns a partially filled Reading: on error the zero Reading is
// returned. Values are not range checked.
func Decode(data []byte, at time.Time) (Reading, error) {
	if len(data) < MinPayloadLen {
		return Reading{}, fmt.Errorf("%w: got %d bytes, want at least %d", ErrTooShort, len(data), MinPayloadLen)
	}
	if len(data) > MinPayloadLen && len(data) < ExtendedPayloadLen {
		return Reading{}, fmt.Errorf("%w: %d bytes", ErrUnexpectedLayout, len(data))
	}

	r := Reading{
		Time:        at,
		CO2:         binary.LittleEndian.Uint16(data[0:2]),
		Temperature: Temperature(int16(binary.LittleEndian.Uint16(data[2:4]))),
		Pressure:    Pressure(binary.LittleEndian.Uint16(data[4:6])),
		Humidity:    data[6],
		Battery:     data[7],
		Status:      Status(data[8]),
	}
	if len(data) >= ExtendedPayloadLen {
		r.Interval = time.Duration(binary.LittleEndian.Uint16(data[9:11])) * time.Second
		r.Age = time.Duration(binary.LittleEndian.Uint16(data[11:13])) * time.Second
	}
	return r, nil
}

// Encode is the inverse of Decode, always producing the extended layout.
func Encode(r Reading) []byte {
	buf := make([]byte, ExtendedPayloadLen)
	binary.LittleEndian.PutUint16(buf[0:2], r.CO2)
	binary.LittleEndian.PutUint16(buf[2:4], uint16(r.Temperature))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(r.Pressure))
	buf[6] = r.Humidity
	buf[7] = r.Battery
	buf[8] = byte(r.Status)
	binary.LittleEndian.PutUint16(buf[9:11], uint16(r.Interval/time.Second))
	binary.LittleEndian.PutUint16(buf[11:13], uint16(r.Age/time.Second))
	return buf
}

// Package disk models a target machine's storage layout as a declarative,
// serializable configuration: physical devices, partitions, LVM volume
// groups and volumes, disk encryption and btrfs subvolumes. The model is
// validated on construction and on deserialization, before anything is
// handed to the execution engine that performs the destructive calls.
//
// All quantities are normalized to bytes internally; the Size type is the
// common currency between every component.
package disk

import (
	"encoding/json"
	"fmt"
	"math"
)

const (
	// DefaultSectorSizeBytes is the sector size assumed when a device does
	// not report one.
	DefaultSectorSizeBytes = 512

	// DefaultGrainBytes is the partition alignment grain (1 MiB).
	DefaultGrainBytes = uint64(1048576)
)

// Unit is a storage quantity unit: bytes, decimal multiples (kB..YB),
// binary multiples (KiB..YiB) or device sectors.
type Unit uint64

const (
	UNIT_B Unit = iota
	UNIT_KB
	UNIT_MB
	UNIT_GB
	UNIT_TB
	UNIT_PB
	UNIT_EB
	UNIT_ZB
	UNIT_YB
	UNIT_KIB
	UNIT_MIB
	UNIT_GIB
	UNIT_TIB
	UNIT_PIB
	UNIT_EIB
	UNIT_ZIB
	UNIT_YIB
	UNIT_SECTORS
)

var unitNames = map[Unit]string{
	UNIT_B:       "B",
	UNIT_KB:      "kB",
	UNIT_MB:      "MB",
	UNIT_GB:      "GB",
	UNIT_TB:      "TB",
	UNIT_PB:      "PB",
	UNIT_EB:      "EB",
	UNIT_ZB:      "ZB",
	UNIT_YB:      "YB",
	UNIT_KIB:     "KiB",
	UNIT_MIB:     "MiB",
	UNIT_GIB:     "GiB",
	UNIT_TIB:     "TiB",
	UNIT_PIB:     "PiB",
	UNIT_EIB:     "EiB",
	UNIT_ZIB:     "ZiB",
	UNIT_YIB:     "YiB",
	UNIT_SECTORS: "sectors",
}

func (u Unit) String() string {
	name, ok := unitNames[u]
	if !ok {
		panic(fmt.Sprintf("unknown or unsupported unit with enum value %d", uint64(u)))
	}
	return name
}

func NewUnit(s string) (Unit, error) {
	for unit, name := range unitNames {
		if name == s {
			return unit, nil
		}
	}
	return UNIT_B, fmt.Errorf("unknown or unsupported unit name: %s", s)
}

func (u Unit) MarshalJSON() ([]byte, error) {
	return json.Marshal(u.String())
}

func (u *Unit) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	unit, err := NewUnit(s)
	if err != nil {
		return err
	}
	*u = unit
	return nil
}

// IsDecimal reports whether the unit is a power-of-1000 byte multiple.
// Plain bytes count as both decimal and binary.
func (u Unit) IsDecimal() bool {
	return u >= UNIT_B && u <= UNIT_YB
}

// IsBinary reports whether the unit is a power-of-1024 byte multiple.
func (u Unit) IsBinary() bool {
	return u == UNIT_B || (u >= UNIT_KIB && u <= UNIT_YIB)
}

// factor returns the base and exponent of the unit's byte value. Sectors
// have no fixed byte value and must go through a SectorSize.
func (u Unit) factor() (base uint64, exp int) {
	switch {
	case u == UNIT_B:
		return 1, 0
	case u >= UNIT_KB && u <= UNIT_YB:
		return 1000, int(u - UNIT_B)
	case u >= UNIT_KIB && u <= UNIT_YIB:
		return 1024, int(u-UNIT_KIB) + 1
	default:
		panic(fmt.Sprintf("unit %s has no fixed byte factor", u))
	}
}

// toBytes multiplies value into bytes, saturating at the maximum uint64
// instead of wrapping. ZB and above overflow for most values.
func (u Unit) toBytes(value uint64) uint64 {
	base, exp := u.factor()
	bytes := value
	for i := 0; i < exp; i++ {
		if bytes > math.MaxUint64/base {
			return math.MaxUint64
		}
		bytes *= base
	}
	return bytes
}

// fromBytes divides bytes down into this unit, truncating.
func (u Unit) fromBytes(bytes uint64) uint64 {
	base, exp := u.factor()
	value := bytes
	for i := 0; i < exp; i++ {
		value /= base
	}
	return value
}

// SectorSize is the fundamental addressable unit of a device, expressed in
// a byte-multiple unit. Sectors themselves are not allowed as the unit.
type SectorSize struct {
	Value uint64 `json:"value"`
	Unit  Unit   `json:"unit"`
}

// DefaultSectorSize is 512 bytes.
func DefaultSectorSize() SectorSize {
	return SectorSize{Value: DefaultSectorSizeBytes, Unit: UNIT_B}
}

func NewSectorSize(value uint64, unit Unit) (SectorSize, error) {
	if unit == UNIT_SECTORS {
		return SectorSize{}, fmt.Errorf("sector size cannot be expressed in sectors")
	}
	return SectorSize{Value: value, Unit: unit}, nil
}

// Bytes returns the sector size in bytes.
func (s SectorSize) Bytes() uint64 {
	return s.Unit.toBytes(s.Value)
}

func (s *SectorSize) UnmarshalJSON(data []byte) error {
	type aliasType SectorSize
	var alias aliasType
	if err := jsonUnmarshalStrict(data, &alias); err != nil {
		return fmt.Errorf("cannot parse sector size: %w", err)
	}
	if alias.Unit == UNIT_SECTORS {
		return fmt.Errorf("sector size cannot be expressed in sectors")
	}
	*s = SectorSize(alias)
	return nil
}

// Size is a storage quantity: a value in a unit, with the sector size
// needed to normalize sector-denominated values to bytes. Normalization is
// always to bytes; comparisons and arithmetic are defined purely on the
// normalized byte value, regardless of the unit the operands are expressed
// in.
type Size struct {
	Value      uint64     `json:"value"`
	Unit       Unit       `json:"unit"`
	SectorSize SectorSize `json:"sector_size"`
}

// NewSize builds a Size with the default 512 B sector size.
func NewSize(value uint64, unit Unit) Size {
	return Size{Value: value, Unit: unit, SectorSize: DefaultSectorSize()}
}

// NewByteSize builds a byte-denominated Size.
func NewByteSize(value uint64) Size {
	return NewSize(value, UNIT_B)
}

func byteSize(bytes uint64, sectorSize SectorSize) Size {
	return Size{Value: bytes, Unit: UNIT_B, SectorSize: sectorSize}
}

// Bytes normalizes the size to bytes.
func (s Size) Bytes() uint64 {
	if s.Unit == UNIT_SECTORS {
		return s.Value * s.SectorSize.Bytes()
	}
	return s.Unit.toBytes(s.Value)
}

// Convert re-expresses the size in the target unit, truncating. Converting
// to sectors goes through ConvertToSectors so the sector size is explicit.
func (s Size) Convert(target Unit) Size {
	if target == UNIT_SECTORS {
		panic("converting to sectors requires a sector size, use ConvertToSectors")
	}
	return Size{
		Value:      target.fromBytes(s.Bytes()),
		Unit:       target,
		SectorSize: s.SectorSize,
	}
}

// ConvertToSectors re-expresses the size in whole sectors of the given
// sector size, rounding up so the result covers at least the original byte
// count.
func (s Size) ConvertToSectors(sectorSize SectorSize) Size {
	ssBytes := sectorSize.Bytes()
	bytes := s.Bytes()
	sectors := bytes / ssBytes
	if bytes%ssBytes != 0 {
		sectors++
	}
	return Size{Value: sectors, Unit: UNIT_SECTORS, SectorSize: sectorSize}
}

// Sectors converts using the size's own sector size.
func (s Size) Sectors() Size {
	return s.ConvertToSectors(s.SectorSize)
}

func (s Size) String() string {
	return fmt.Sprintf("%d %s", s.Value, s.Unit)
}

// UnitFamily selects the unit set FormatHighest picks from.
type UnitFamily int

const (
	UNITS_BINARY UnitFamily = iota
	UNITS_DECIMAL
)

// FormatHighest renders the size in the largest unit of the family for
// which the value is at least 1, as a human-scale string.
func (s Size) FormatHighest(family UnitFamily) string {
	bytes := s.Bytes()

	if family == UNITS_BINARY {
		units := []Unit{UNIT_B, UNIT_KIB, UNIT_MIB, UNIT_GIB, UNIT_TIB, UNIT_PIB, UNIT_EIB, UNIT_ZIB, UNIT_YIB}
		value := float64(bytes)
		unit := units[0]
		for _, next := range units[1:] {
			if value < 1024 {
				break
			}
			value /= 1024
			unit = next
		}
		formatted := fmt.Sprintf("%.1f", value)
		if len(formatted) > 2 && formatted[len(formatted)-2:] == ".0" {
			formatted = formatted[:len(formatted)-2]
		}
		return fmt.Sprintf("%s %s", formatted, unit)
	}

	unit := UNIT_B
	for u := UNIT_YB; u > UNIT_B; u-- {
		if u.fromBytes(bytes) >= 1 {
			unit = u
			break
		}
	}
	return fmt.Sprintf("%d %s", unit.fromBytes(bytes), unit)
}

// Add returns the sum in bytes, keeping the receiver's sector size. The
// result saturates instead of wrapping.
func (s Size) Add(other Size) Size {
	a, b := s.Bytes(), other.Bytes()
	if a > math.MaxUint64-b {
		return byteSize(math.MaxUint64, s.SectorSize)
	}
	return byteSize(a+b, s.SectorSize)
}

// Sub returns the absolute difference in bytes, keeping the receiver's
// sector size. The difference is never negative.
func (s Size) Sub(other Size) Size {
	a, b := s.Bytes(), other.Bytes()
	if a < b {
		return byteSize(b-a, s.SectorSize)
	}
	return byteSize(a-b, s.SectorSize)
}

func (s Size) Equal(other Size) bool {
	return s.Bytes() == other.Bytes()
}

func (s Size) Less(other Size) bool {
	return s.Bytes() < other.Bytes()
}

func (s Size) LessEqual(other Size) bool {
	return s.Bytes() <= other.Bytes()
}

func (s Size) Greater(other Size) bool {
	return s.Bytes() > other.Bytes()
}

func (s Size) GreaterEqual(other Size) bool {
	return s.Bytes() >= other.Bytes()
}

// IsValidStart reports whether the size is usable as a first partition
// start, at least 1 MiB into the device.
func (s Size) IsValidStart() bool {
	return s.Bytes() >= DefaultGrainBytes
}

// Align rounds the size down to a whole MiB boundary.
func (s Size) Align() Size {
	bytes := s.Bytes()
	return byteSize(bytes-bytes%DefaultGrainBytes, s.SectorSize)
}

// GPTEnd reserves room for the backup GPT header by subtracting 1 MiB from
// the device size.
func (s Size) GPTEnd() Size {
	return s.Sub(Size{Value: DefaultGrainBytes, Unit: UNIT_B, SectorSize: s.SectorSize})
}

func (s *Size) UnmarshalJSON(data []byte) error {
	type aliasType Size
	var alias aliasType
	if err := jsonUnmarshalStrict(data, &alias); err != nil {
		return fmt.Errorf("cannot parse size: %w", err)
	}
	if alias.Unit == UNIT_SECTORS && alias.SectorSize.Value == 0 {
		return fmt.Errorf("a size in sectors must carry a sector size")
	}
	if alias.SectorSize.Value == 0 {
		alias.SectorSize = DefaultSectorSize()
	}
	*s = Size(alias)
	return nil
}

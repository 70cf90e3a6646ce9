// Copyright 2024 The Ferrite Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package arch

// MAIR is the memory attribute indirection register: eight attribute
// encodings selected by the AttrIndx field of a block or page descriptor.
type MAIR struct {
	Attrs [8]uint8
}

// Attribute encodings.
const (
	// MemoryAttributeNormal is normal memory, outer and inner
	// write-back non-transient, allocate on read and write.
	MemoryAttributeNormal = 0xFF

	// MemoryAttributeDevice is Device-nGnRE (non-cacheable).
	MemoryAttributeDevice = 0b00000100
)

func (m MAIR) encode() uint64 {
	var v uint64
	for i, a := range m.Attrs {
		v |= uint64(a) << (8 * i)
	}
	return v
}

// Shareability encodings for the TCR SH0/SH1 fields.
const (
	NonShareable   = 0b00
	OuterShareable = 0b10
	InnerShareable = 0b11
)

// Cacheability encodings for the TCR ORGN/IRGN fields.
const (
	// WriteBackReadWriteAllocate is normal memory, write-back,
	// read-allocate, write-allocate cacheable.
	WriteBackReadWriteAllocate = 0b01
)

// Granule size encodings. TG0 and TG1 use different encodings for the
// same granule, a quirk of the architecture.
const (
	TG0Granule4K = 0b00
	TG1Granule4K = 0b10
)

// TCR is the translation control register, decomposed into the fields
// this core programs. Both translation roots get the same configuration:
// a 48-bit range (T0SZ/T1SZ = 16) with 4 KiB granules.
type TCR struct {
	T0SZ  uint8
	T1SZ  uint8
	TG0   uint8
	TG1   uint8
	SH0   uint8
	SH1   uint8
	ORGN0 uint8
	ORGN1 uint8
	IRGN0 uint8
	IRGN1 uint8
	IPS   uint8
}

func (t TCR) encode() uint64 {
	var v uint64
	v |= uint64(t.T0SZ&0x3f) << 0
	v |= uint64(t.IRGN0&0x3) << 8
	v |= uint64(t.ORGN0&0x3) << 10
	v |= uint64(t.SH0&0x3) << 12
	v |= uint64(t.TG0&0x3) << 14
	v |= uint64(t.T1SZ&0x3f) << 16
	v |= uint64(t.IRGN1&0x3) << 24
	v |= uint64(t.ORGN1&0x3) << 26
	v |= uint64(t.SH1&0x3) << 28
	v |= uint64(t.TG1&0x3) << 30
	v |= uint64(t.IPS&0x7) << 32
	return v
}

// PARange encodings of ID_AA64MMFR0_EL1.
const (
	PARange32 = 0b0000
	PARange36 = 0b0001
	PARange40 = 0b0010
	PARange42 = 0b0011
	PARange44 = 0b0100
	PARange48 = 0b0101
)

// MemoryModelFeatures is the decoded ID_AA64MMFR0_EL1 feature register.
type MemoryModelFeatures struct {
	// PARange is the supported physical address range encoding, fed
	// directly into TCR.IPS rather than hard-coding a size.
	PARange uint8
}

// ReadMemoryModelFeatures reads ID_AA64MMFR0_EL1.
func (c *CPU) ReadMemoryModelFeatures() MemoryModelFeatures {
	return MemoryModelFeatures{PARange: c.parange}
}

// SPSR M-field (mode) encodings.
const (
	ModeEL0t = 0b0000
	ModeEL1t = 0b0100
	ModeEL1h = 0b0101
)

// SPSR DAIF mask bits.
const (
	SPSRMaskFIQ   = 1 << 6
	SPSRMaskIRQ   = 1 << 7
	SPSRMaskSErr  = 1 << 8
	SPSRMaskDebug = 1 << 9
)

// SPSRModeIsUser reports whether a saved program status word records an
// exception taken from EL0.
func SPSRModeIsUser(spsr uint64) bool {
	return spsr&0b1111 == ModeEL0t
}

// SPSRInterruptsEnabled reports whether restoring spsr unmasks IRQs.
func SPSRInterruptsEnabled(spsr uint64) bool {
	return spsr&SPSRMaskIRQ == 0
}

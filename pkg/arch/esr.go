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

// ESR is the EL1 exception syndrome register.
type ESR uint64

// Exception class encodings (ESR_EL1.EC).
const (
	ECUnknown             = 0b000000
	ECSVC64               = 0b010101
	ECInstructionAbortEL0 = 0b100000
	ECInstructionAbortEL1 = 0b100001
	ECDataAbortEL0        = 0b100100
	ECDataAbortEL1        = 0b100101
)

// EC returns the exception class field.
func (e ESR) EC() uint8 {
	return uint8((e >> 26) & 0x3f)
}

// ISS returns the instruction-specific syndrome field.
func (e ESR) ISS() uint32 {
	return uint32(e & 0x1ffffff)
}

// IsSVC reports a 64-bit SVC instruction execution (a syscall).
func (e ESR) IsSVC() bool {
	return e.EC() == ECSVC64
}

// IsDataAbort reports a data abort from either exception level.
func (e ESR) IsDataAbort() bool {
	ec := e.EC()
	return ec == ECDataAbortEL0 || ec == ECDataAbortEL1
}

// IsInstructionAbort reports an instruction abort from either level.
func (e ESR) IsInstructionAbort() bool {
	ec := e.EC()
	return ec == ECInstructionAbortEL0 || ec == ECInstructionAbortEL1
}

// FromLowerLevel reports whether the abort was taken from EL0.
func (e ESR) FromLowerLevel() bool {
	ec := e.EC()
	return ec == ECDataAbortEL0 || ec == ECInstructionAbortEL0
}

// FaultStatusCode returns the DFSC/IFSC field of an abort syndrome.
func (e ESR) FaultStatusCode() uint8 {
	return uint8(e & 0x3f)
}

// IsTranslationFault reports a translation fault at any level: the
// address has no mapping.
func (e ESR) IsTranslationFault() bool {
	fsc := e.FaultStatusCode()
	return fsc >= 0b000100 && fsc <= 0b000111
}

// IsPermissionFault reports a permission fault at any level: the mapping
// exists but forbids the access.
func (e ESR) IsPermissionFault() bool {
	fsc := e.FaultStatusCode()
	return fsc >= 0b001100 && fsc <= 0b001111
}

// IsWrite reports the WnR bit of a data abort: the access that faulted
// was a write. Only meaningful when IsDataAbort is true.
func (e ESR) IsWrite() bool {
	return e&(1<<6) != 0
}

// ClassString names the exception class for diagnostics.
func (e ESR) ClassString() string {
	switch e.EC() {
	case ECSVC64:
		return "SVC instruction execution"
	case ECInstructionAbortEL0:
		return "Instruction abort from lower level"
	case ECInstructionAbortEL1:
		return "Instruction abort from same level"
	case ECDataAbortEL0:
		return "Data abort from lower level"
	case ECDataAbortEL1:
		return "Data abort from same level"
	default:
		return "Unknown"
	}
}

// EncodeDataAbort builds a data abort syndrome, used by boot-time self
// tests and the test harness to synthesize faults.
func EncodeDataAbort(fromUser bool, write bool, fsc uint8) ESR {
	ec := uint64(ECDataAbortEL1)
	if fromUser {
		ec = ECDataAbortEL0
	}
	v := ec << 26
	if write {
		v |= 1 << 6
	}
	v |= uint64(fsc & 0x3f)
	return ESR(v)
}

// EncodeInstructionAbort builds an instruction abort syndrome.
func EncodeInstructionAbort(fromUser bool, fsc uint8) ESR {
	ec := uint64(ECInstructionAbortEL1)
	if fromUser {
		ec = ECInstructionAbortEL0
	}
	return ESR(ec<<26 | uint64(fsc&0x3f))
}

// EncodeSVC builds a syscall syndrome with the given immediate.
func EncodeSVC(imm uint16) ESR {
	return ESR(uint64(ECSVC64)<<26 | uint64(imm))
}

// Fault status codes used by the encoder helpers.
const (
	FSCTranslationLevel3 = 0b000111
	FSCPermissionLevel3  = 0b001111
)

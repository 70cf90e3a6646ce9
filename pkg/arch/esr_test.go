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

import (
	"testing"
)

func TestESRClassification(t *testing.T) {
	for _, tc := range []struct {
		name       string
		esr        ESR
		svc        bool
		dataAbort  bool
		instrAbort bool
		lowerLevel bool
	}{
		{
			name: "svc",
			esr:  EncodeSVC(0),
			svc:  true,
		},
		{
			name:       "user data abort",
			esr:        EncodeDataAbort(true, false, FSCTranslationLevel3),
			dataAbort:  true,
			lowerLevel: true,
		},
		{
			name:      "kernel data abort",
			esr:       EncodeDataAbort(false, true, FSCPermissionLevel3),
			dataAbort: true,
		},
		{
			name:       "user instruction abort",
			esr:        EncodeInstructionAbort(true, FSCTranslationLevel3),
			instrAbort: true,
			lowerLevel: true,
		},
		{
			name:       "kernel instruction abort",
			esr:        EncodeInstructionAbort(false, FSCPermissionLevel3),
			instrAbort: true,
		},
		{
			name: "unknown",
			esr:  ESR(0),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.esr.IsSVC(); got != tc.svc {
				t.Errorf("IsSVC: got %v, want %v", got, tc.svc)
			}
			if got := tc.esr.IsDataAbort(); got != tc.dataAbort {
				t.Errorf("IsDataAbort: got %v, want %v", got, tc.dataAbort)
			}
			if got := tc.esr.IsInstructionAbort(); got != tc.instrAbort {
				t.Errorf("IsInstructionAbort: got %v, want %v", got, tc.instrAbort)
			}
			if got := tc.esr.FromLowerLevel(); got != tc.lowerLevel {
				t.Errorf("FromLowerLevel: got %v, want %v", got, tc.lowerLevel)
			}
		})
	}
}

func TestESRFaultStatus(t *testing.T) {
	translation := EncodeDataAbort(true, false, FSCTranslationLevel3)
	if !translation.IsTranslationFault() {
		t.Errorf("translation fault not classified as such")
	}
	if translation.IsPermissionFault() {
		t.Errorf("translation fault classified as permission fault")
	}

	permission := EncodeDataAbort(true, false, FSCPermissionLevel3)
	if !permission.IsPermissionFault() {
		t.Errorf("permission fault not classified as such")
	}
	if permission.IsTranslationFault() {
		t.Errorf("permission fault classified as translation fault")
	}
}

func TestESRWriteBit(t *testing.T) {
	write := EncodeDataAbort(false, true, FSCTranslationLevel3)
	if !write.IsWrite() {
		t.Errorf("write abort does not report IsWrite")
	}
	read := EncodeDataAbort(false, false, FSCTranslationLevel3)
	if read.IsWrite() {
		t.Errorf("read abort reports IsWrite")
	}
}

func TestSPSRHelpers(t *testing.T) {
	if !SPSRModeIsUser(ModeEL0t) {
		t.Errorf("EL0t not recognized as user mode")
	}
	if SPSRModeIsUser(ModeEL1h) {
		t.Errorf("EL1h recognized as user mode")
	}
	if !SPSRInterruptsEnabled(ModeEL1h) {
		t.Errorf("unmasked SPSR reports interrupts disabled")
	}
	if SPSRInterruptsEnabled(ModeEL1h | SPSRMaskIRQ) {
		t.Errorf("IRQ-masked SPSR reports interrupts enabled")
	}
}

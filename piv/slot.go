// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package piv

import (
	"fmt"
	"strconv"
	"strings"
)

// Slot is a PIV key reference, the on-card location a key, PIN, or PUK
// lives in.
//
// Key IDs are specified in NIST 800-73-4 section 5.1:
// https://nvlpubs.nist.gov/nistpubs/SpecialPublications/NIST.SP.800-73-4.pdf#page=32
type Slot byte

const (
	// SlotPIN and SlotPUK address the card's verification codes rather than
	// asymmetric keys. They can be queried for retry metadata but hold no
	// certificate.
	SlotPIN Slot = 0x80
	SlotPUK Slot = 0x81

	// SlotAuthentication is the primary slot, used to authenticate the
	// cardholder for things like system login.
	SlotAuthentication Slot = 0x9a
	// SlotCardManagement holds the symmetric management key that guards
	// administrative operations. It cannot hold an asymmetric key.
	SlotCardManagement Slot = 0x9b
	// SlotSignature is used for document signing. Keys in this slot are
	// expected to require a PIN for every operation.
	SlotSignature Slot = 0x9c
	// SlotKeyManagement is used for encryption of data at rest, like email
	// or disk encryption keys.
	SlotKeyManagement Slot = 0x9d
	// SlotCardAuthentication is used to authenticate the card itself without
	// cardholder interaction, for example to open a door.
	SlotCardAuthentication Slot = 0x9e
	// SlotAttestation holds the key that signs attestation statements for
	// keys generated on the card.
	SlotAttestation Slot = 0xf9
)

const (
	slotRetiredFirst = Slot(0x82)
	slotRetiredLast  = Slot(0x95)
)

// RetiredSlot returns the n-th retired key management slot, n between 1
// and 20. Retired slots are meant for key management keys that have been
// rotated out of SlotKeyManagement.
func RetiredSlot(n int) (Slot, bool) {
	if n < 1 || n > 20 {
		return 0, false
	}
	return slotRetiredFirst + Slot(n-1), true
}

func (s Slot) retired() bool {
	return slotRetiredFirst <= s && s <= slotRetiredLast
}

// String returns the slot's label. Labels are stable and unique over the
// full slot set, and ParseSlot inverts them.
func (s Slot) String() string {
	switch s {
	case SlotPIN:
		return "Pin"
	case SlotPUK:
		return "Puk"
	case SlotAuthentication:
		return "Authentication"
	case SlotCardManagement:
		return "Management"
	case SlotSignature:
		return "Signature"
	case SlotKeyManagement:
		return "KeyManagement"
	case SlotCardAuthentication:
		return "CardAuthentication"
	case SlotAttestation:
		return "Attestation"
	}
	if s.retired() {
		return fmt.Sprintf("R%d", int(s-slotRetiredFirst)+1)
	}
	return fmt.Sprintf("0x%02x", byte(s))
}

// ParseSlot maps a label produced by Slot.String back to the slot it names.
func ParseSlot(label string) (Slot, bool) {
	switch label {
	case "Pin":
		return SlotPIN, true
	case "Puk":
		return SlotPUK, true
	case "Authentication":
		return SlotAuthentication, true
	case "Management":
		return SlotCardManagement, true
	case "Signature":
		return SlotSignature, true
	case "KeyManagement":
		return SlotKeyManagement, true
	case "CardAuthentication":
		return SlotCardAuthentication, true
	case "Attestation":
		return SlotAttestation, true
	}
	if rest, ok := strings.CutPrefix(label, "R"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil {
			return 0, false
		}
		s, ok := RetiredSlot(n)
		if !ok || s.String() != label {
			return 0, false
		}
		return s, true
	}
	return 0, false
}

// Object returns the data object holding certificates for keys in this
// slot. The management slot and the PIN and PUK references have no
// associated certificate.
func (s Slot) Object() (ObjectID, bool) {
	switch s {
	case SlotAuthentication:
		return ObjectCertAuthentication, true
	case SlotSignature:
		return ObjectCertSignature, true
	case SlotKeyManagement:
		return ObjectCertKeyManagement, true
	case SlotCardAuthentication:
		return ObjectCertCardAuthentication, true
	case SlotAttestation:
		return ObjectCertAttestation, true
	}
	if s.retired() {
		id := make(ObjectID, len(ObjectCertRetired1))
		copy(id, ObjectCertRetired1)
		id[2] += byte(s - slotRetiredFirst)
		return id, true
	}
	return nil, false
}

// allSlots lists every key slot in enumeration order: the four standard
// slots, the twenty retired slots, then attestation.
var allSlots = func() []Slot {
	slots := []Slot{SlotAuthentication, SlotSignature, SlotKeyManagement, SlotCardAuthentication}
	for n := 1; n <= 20; n++ {
		s, _ := RetiredSlot(n)
		slots = append(slots, s)
	}
	return append(slots, SlotAttestation)
}()

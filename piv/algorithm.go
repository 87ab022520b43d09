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
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"fmt"
)

// Algorithm represents an asymmetric key algorithm, with the byte value the
// card uses for it in commands and metadata.
type Algorithm byte

const (
	AlgorithmRSA1024 Algorithm = 0x06
	AlgorithmRSA2048 Algorithm = 0x07
	AlgorithmEC256   Algorithm = 0x11
	AlgorithmEC384   Algorithm = 0x14
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmRSA1024:
		return "RSA1024"
	case AlgorithmRSA2048:
		return "RSA2048"
	case AlgorithmEC256:
		return "ECCP256"
	case AlgorithmEC384:
		return "ECCP384"
	}
	return fmt.Sprintf("0x%02x", byte(a))
}

// ManagementAlgorithm is the symmetric cipher guarding the management key.
//
// Which cipher a card uses is a property of the card, learned by querying
// the management slot's metadata, never assumed: firmware before 5.7 ships
// with a 3DES default key, newer firmware with AES-192.
type ManagementAlgorithm byte

const (
	Algorithm3DES   ManagementAlgorithm = 0x03
	AlgorithmAES128 ManagementAlgorithm = 0x08
	AlgorithmAES192 ManagementAlgorithm = 0x0a
	AlgorithmAES256 ManagementAlgorithm = 0x0c
)

func (a ManagementAlgorithm) String() string {
	switch a {
	case Algorithm3DES:
		return "3DES"
	case AlgorithmAES128:
		return "AES128"
	case AlgorithmAES192:
		return "AES192"
	case AlgorithmAES256:
		return "AES256"
	}
	return fmt.Sprintf("0x%02x", byte(a))
}

// KeySize returns the management key length in bytes, or 0 if the algorithm
// isn't known.
func (a ManagementAlgorithm) KeySize() int {
	switch a {
	case Algorithm3DES, AlgorithmAES192:
		return 24
	case AlgorithmAES128:
		return 16
	case AlgorithmAES256:
		return 32
	}
	return 0
}

// blockSize returns the cipher block size in bytes, which is also the length
// of the witness and challenge exchanged during mutual authentication.
func (a ManagementAlgorithm) blockSize() int {
	if a == Algorithm3DES {
		return des.BlockSize
	}
	return aes.BlockSize
}

func (a ManagementAlgorithm) newCipher(key []byte) (cipher.Block, error) {
	if len(key) != a.KeySize() {
		return nil, fmt.Errorf("invalid %s management key length: %d", a, len(key))
	}
	switch a {
	case Algorithm3DES:
		return des.NewTripleDESCipher(key)
	case AlgorithmAES128, AlgorithmAES192, AlgorithmAES256:
		return aes.NewCipher(key)
	}
	return nil, fmt.Errorf("%w: management key algorithm 0x%02x", ErrUnsupportedAlgorithm, byte(a))
}

// PINPolicy represents PIN requirements when signing or decrypting with an
// asymmetric key in a given slot.
type PINPolicy int

// PIN policies supported by this package.
//
// BUG(ericchiang): Caching for PINPolicyOnce isn't supported on YubiKey
// versions older than 4.3.0 due to issues with verifying if a PIN is needed.
// If specified, a PIN will be required for every operation.
const (
	PINPolicyNever PINPolicy = iota + 1
	PINPolicyOnce
	PINPolicyAlways
)

func (p PINPolicy) String() string {
	switch p {
	case PINPolicyNever:
		return "never"
	case PINPolicyOnce:
		return "once"
	case PINPolicyAlways:
		return "always"
	}
	return fmt.Sprintf("PINPolicy(%d)", int(p))
}

// TouchPolicy represents proof-of-presence requirements when signing or
// decrypting with an asymmetric key in a given slot.
type TouchPolicy int

// Touch policies supported by this package.
const (
	TouchPolicyNever TouchPolicy = iota + 1
	TouchPolicyAlways
	TouchPolicyCached
)

func (p TouchPolicy) String() string {
	switch p {
	case TouchPolicyNever:
		return "never"
	case TouchPolicyAlways:
		return "always"
	case TouchPolicyCached:
		return "cached"
	}
	return fmt.Sprintf("TouchPolicy(%d)", int(p))
}

// Origin represents whether a key was generated on the hardware or imported
// into it.
type Origin int

// Origins supported by this package.
const (
	OriginGenerated Origin = iota + 1
	OriginImported
)

func (o Origin) String() string {
	switch o {
	case OriginGenerated:
		return "generated"
	case OriginImported:
		return "imported"
	}
	return fmt.Sprintf("Origin(%d)", int(o))
}

const (
	tagAlgorithm   = 0x80
	tagPINPolicy   = 0xaa
	tagTouchPolicy = 0xab
)

var pinPolicyMap = map[PINPolicy]byte{
	PINPolicyNever:  0x01,
	PINPolicyOnce:   0x02,
	PINPolicyAlways: 0x03,
}

var pinPolicyMapInv = map[byte]PINPolicy{
	0x01: PINPolicyNever,
	0x02: PINPolicyOnce,
	0x03: PINPolicyAlways,
}

var touchPolicyMap = map[TouchPolicy]byte{
	TouchPolicyNever:  0x01,
	TouchPolicyAlways: 0x02,
	TouchPolicyCached: 0x03,
}

var touchPolicyMapInv = map[byte]TouchPolicy{
	0x01: TouchPolicyNever,
	0x02: TouchPolicyAlways,
	0x03: TouchPolicyCached,
}

var originMapInv = map[byte]Origin{
	0x01: OriginGenerated,
	0x02: OriginImported,
}

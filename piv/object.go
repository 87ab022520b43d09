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
	"io"

	"github.com/google/uuid"

	"github.com/cardsmith/pivcard/tlv"
)

// ObjectID addresses a data object on the card.
//
// Object IDs are specified in NIST 800-73-4 section 4.3:
// https://nvlpubs.nist.gov/nistpubs/SpecialPublications/NIST.SP.800-73-4.pdf#page=30
type ObjectID []byte

var (
	ObjectCapability = ObjectID{0x5f, 0xc1, 0x07}
	ObjectCHUID      = ObjectID{0x5f, 0xc1, 0x02}
	ObjectDiscovery  = ObjectID{0x7e}
	ObjectKeyHistory = ObjectID{0x5f, 0xc1, 0x0c}
	ObjectPrinted    = ObjectID{0x5f, 0xc1, 0x09}

	ObjectCertAuthentication     = ObjectID{0x5f, 0xc1, 0x05}
	ObjectCertSignature          = ObjectID{0x5f, 0xc1, 0x0a}
	ObjectCertKeyManagement      = ObjectID{0x5f, 0xc1, 0x0b}
	ObjectCertCardAuthentication = ObjectID{0x5f, 0xc1, 0x01}
	// ObjectCertRetired1 holds the certificate for the first retired slot.
	// The remaining nineteen retired objects follow contiguously.
	ObjectCertRetired1 = ObjectID{0x5f, 0xc1, 0x0d}

	// Vendor objects outside the NIST range.

	ObjectCertAttestation = ObjectID{0x5f, 0xff, 0x01}
	ObjectAdmin           = ObjectID{0x5f, 0xff, 0x00}
)

// Object reads the raw content of the data object with the given ID.
//
// Objects that have never been written report ErrNotFound.
func (c *Card) Object(id ObjectID) ([]byte, error) {
	tx, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	return getObject(tx, id)
}

// SetObject writes the raw content of the data object with the given ID.
//
// The session must be management key authenticated, see Authenticate.
func (c *Card) SetObject(id ObjectID, data []byte) error {
	if c.mgmt == nil {
		return fmt.Errorf("writing data object: %w", ErrNotAuthenticated)
	}
	tx, err := c.begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := authenticate(tx, *c.mgmt, c.rand); err != nil {
		return fmt.Errorf("authenticating with management key: %w", err)
	}
	return putObject(tx, id, data)
}

func getObject(tx SCTx, id ObjectID) ([]byte, error) {
	cmd := apdu{
		instruction: insGetData,
		param1:      0x3f,
		param2:      0xff,
		data:        tlv.Put(nil, 0x5c, id),
	}
	resp, err := tx.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("command failed: %w", err)
	}
	obj, err := tlv.Get(resp, 0x53)
	if err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return obj, nil
}

func putObject(tx SCTx, id ObjectID, data []byte) error {
	d := tlv.Put(nil, 0x5c, id)
	d = tlv.Put(d, 0x53, data)
	cmd := apdu{
		instruction: insPutData,
		param1:      0x3f,
		param2:      0xff,
		data:        d,
	}
	if _, err := tx.Transmit(cmd); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

// CardID is the GUID from the cardholder unique identifier object. Tools
// key local associations on it and treat a change as a brand new card.
type CardID struct {
	GUID [16]byte
}

func (id CardID) String() string {
	return uuid.UUID(id.GUID).String()
}

// RandomCardID returns a CardID with a random version 4 UUID as its GUID.
func RandomCardID() (CardID, error) {
	u, err := uuid.NewRandom()
	if err != nil {
		return CardID{}, fmt.Errorf("generating guid: %w", err)
	}
	return CardID{GUID: [16]byte(u)}, nil
}

// CardID reads the GUID from the card's cardholder unique identifier
// object.
func (c *Card) CardID() (CardID, error) {
	tx, err := c.begin()
	if err != nil {
		return CardID{}, err
	}
	defer tx.Close()
	data, err := getObject(tx, ObjectCHUID)
	if err != nil {
		return CardID{}, fmt.Errorf("reading chuid: %w", err)
	}
	return parseCardID(data)
}

// SetCardID writes a cardholder unique identifier carrying id's GUID.
//
// The session must be management key authenticated, see Authenticate.
func (c *Card) SetCardID(id CardID) error {
	if c.mgmt == nil {
		return fmt.Errorf("writing chuid: %w", ErrNotAuthenticated)
	}
	tx, err := c.begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := authenticate(tx, *c.mgmt, c.rand); err != nil {
		return fmt.Errorf("authenticating with management key: %w", err)
	}
	return putObject(tx, ObjectCHUID, encodeCHUID(id))
}

// encodeCHUID lays out a cardholder unique identifier around the GUID: a
// FASC-N of all zero agency codes, a fixed 2030-01-01 expiration date, and
// empty signature and error detection fields. The FASC-N payload is packed
// BCD, not BER, so the container is built with the flat writer.
func encodeCHUID(id CardID) []byte {
	fascN := []byte{
		0xd4, 0xe7, 0x39, 0xda, 0x73, 0x9c, 0xed, 0x39,
		0xce, 0x73, 0x9d, 0x83, 0x68, 0x58, 0x21, 0x08,
		0x42, 0x10, 0x84, 0x21, 0xc8, 0x42, 0x10, 0xc3,
		0xeb,
	}
	data := tlv.Put(nil, 0x30, fascN)
	data = tlv.Put(data, 0x34, id.GUID[:])
	data = tlv.Put(data, 0x35, []byte("20300101"))
	data = tlv.Put(data, 0x3e, nil) // issuer signature
	data = tlv.Put(data, 0xfe, nil) // error detection code
	return data
}

func parseCardID(data []byte) (CardID, error) {
	guid, err := tlv.Get(data, 0x34)
	if err != nil {
		return CardID{}, fmt.Errorf("unmarshal guid: %w", err)
	}
	if len(guid) != 16 {
		return CardID{}, fmt.Errorf("unexpected guid length: %d", len(guid))
	}
	var id CardID
	copy(id.GUID[:], guid)
	return id, nil
}

// CCCID is the unique identifier inside the card capability container.
type CCCID [14]byte

// CCC returns the unique identifier from the card capability container.
func (c *Card) CCC() (CCCID, error) {
	tx, err := c.begin()
	if err != nil {
		return CCCID{}, err
	}
	defer tx.Close()
	data, err := getObject(tx, ObjectCapability)
	if err != nil {
		return CCCID{}, fmt.Errorf("reading capability container: %w", err)
	}
	return parseCCCID(data)
}

// SetCCC writes a card capability container with a fresh random identifier
// and returns that identifier. Some Windows smart card stacks refuse cards
// without a capability container.
//
// The session must be management key authenticated, see Authenticate.
func (c *Card) SetCCC() (CCCID, error) {
	if c.mgmt == nil {
		return CCCID{}, fmt.Errorf("writing capability container: %w", ErrNotAuthenticated)
	}
	var id CCCID
	if _, err := io.ReadFull(c.rand, id[:]); err != nil {
		return CCCID{}, fmt.Errorf("reading rand data: %w", err)
	}
	tx, err := c.begin()
	if err != nil {
		return CCCID{}, err
	}
	defer tx.Close()
	if err := authenticate(tx, *c.mgmt, c.rand); err != nil {
		return CCCID{}, fmt.Errorf("authenticating with management key: %w", err)
	}
	if err := putObject(tx, ObjectCapability, encodeCCC(id)); err != nil {
		return CCCID{}, err
	}
	return id, nil
}

func encodeCCC(id CCCID) []byte {
	// GSC-RID followed by the unique identifier.
	cardID := append([]byte{0xa0, 0x00, 0x00, 0x01, 0x16, 0xff, 0x02}, id[:]...)
	data := tlv.Put(nil, 0xf0, cardID)
	data = tlv.Put(data, 0xf1, []byte{0x21}) // container version
	data = tlv.Put(data, 0xf2, []byte{0x21}) // grammar version
	data = tlv.Put(data, 0xf3, nil)          // applications card url
	data = tlv.Put(data, 0xf4, []byte{0x00}) // pkcs#15
	data = tlv.Put(data, 0xf5, []byte{0x10}) // registered data model number
	data = tlv.Put(data, 0xf6, nil)          // access control rule table
	data = tlv.Put(data, 0xf7, nil)          // card apdus
	data = tlv.Put(data, 0xfa, nil)          // redirection tag
	data = tlv.Put(data, 0xfb, nil)          // capability tuples
	data = tlv.Put(data, 0xfc, nil)          // status tuples
	data = tlv.Put(data, 0xfd, nil)          // next ccc
	data = tlv.Put(data, 0xfe, nil)          // error detection code
	return data
}

func parseCCCID(data []byte) (CCCID, error) {
	v, err := tlv.Get(data, 0xf0)
	if err != nil {
		return CCCID{}, fmt.Errorf("unmarshal card identifier: %w", err)
	}
	if len(v) != 21 {
		return CCCID{}, fmt.Errorf("unexpected card identifier length: %d", len(v))
	}
	var id CCCID
	copy(id[:], v[7:])
	return id, nil
}

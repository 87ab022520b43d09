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
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/cardsmith/pivcard/tlv"
)

// Metadata is the payload of the PIN-protected data object. Cards
// provisioned for protected mode keep the management key here, guarded by
// the PIN instead of handed to the operator.
type Metadata struct {
	// ManagementKey holds the stored management key bytes, nil when the
	// object doesn't carry one. The object records no cipher: pair the bytes
	// with the algorithm the card reports, see Authenticate.
	ManagementKey []byte

	// raw keeps the object's full payload so fields this package doesn't
	// understand survive a read-modify-write cycle.
	raw []byte
}

func (m *Metadata) unmarshal(b []byte) error {
	m.raw = b
	inner, err := tlv.Get(b, 0x88)
	if err != nil {
		return fmt.Errorf("unmarshal protected data: %w", err)
	}
	key, ok, err := tlv.Lookup(inner, 0x89)
	if err != nil {
		return fmt.Errorf("unmarshal protected data: %w", err)
	}
	if ok {
		m.ManagementKey = key
	}
	return nil
}

func (m *Metadata) marshal() ([]byte, error) {
	if m.raw == nil {
		if m.ManagementKey == nil {
			return tlv.Put(nil, 0x88, nil), nil
		}
		return tlv.Put(nil, 0x88, tlv.Put(nil, 0x89, m.ManagementKey)), nil
	}
	if m.ManagementKey == nil {
		return m.raw, nil
	}
	inner, err := tlv.Get(m.raw, 0x88)
	if err != nil {
		return nil, fmt.Errorf("unmarshal protected data: %w", err)
	}
	recs, err := tlv.Records(inner)
	if err != nil {
		return nil, fmt.Errorf("unmarshal protected data: %w", err)
	}
	// Rebuild the container, replacing the key record and keeping every
	// other record as it was.
	var out []byte
	replaced := false
	for _, rec := range recs {
		if rec.Tag == 0x89 {
			out = tlv.Put(out, 0x89, m.ManagementKey)
			replaced = true
			continue
		}
		out = tlv.Put(out, rec.Tag, rec.Value)
	}
	if !replaced {
		out = tlv.Put(out, 0x89, m.ManagementKey)
	}
	return tlv.Put(nil, 0x88, out), nil
}

// Metadata reads the card's PIN-protected data object. A card that has
// never stored one reports an empty Metadata.
//
// The session must be PIN-verified, see VerifyPIN.
func (c *Card) Metadata() (*Metadata, error) {
	if !c.pinVerified {
		return nil, fmt.Errorf("reading protected data: %w", ErrNotAuthenticated)
	}
	tx, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	if err := login(tx, c.pin); err != nil {
		return nil, err
	}
	data, err := getObject(tx, ObjectPrinted)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &Metadata{}, nil
		}
		return nil, fmt.Errorf("reading protected data: %w", err)
	}
	var m Metadata
	if err := m.unmarshal(data); err != nil {
		return nil, err
	}
	return &m, nil
}

// SetMetadata writes the card's PIN-protected data object.
//
// The session must be management key authenticated, see Authenticate.
func (c *Card) SetMetadata(m *Metadata) error {
	if c.mgmt == nil {
		return fmt.Errorf("writing protected data: %w", ErrNotAuthenticated)
	}
	data, err := m.marshal()
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	tx, err := c.begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := authenticate(tx, *c.mgmt, c.rand); err != nil {
		return fmt.Errorf("authenticating with management key: %w", err)
	}
	return putObject(tx, ObjectPrinted, data)
}

const (
	adminFlagPUKBlocked          = 0x01
	adminFlagManagementKeyStored = 0x02
)

// AdminData is the provisioning state tools record in the admin data
// object.
type AdminData struct {
	// PUKBlocked is set after deliberately blocking the PUK, usually done
	// when the card is switched to protected management.
	PUKBlocked bool
	// ProtectedManagementKey records that the management key is stored in
	// the PIN-protected data object, see Metadata.
	ProtectedManagementKey bool
	// Salt for deriving a management key from the PIN, nil when the card
	// doesn't use a derived key. See DeriveManagementKey.
	Salt []byte
	// PINLastUpdated is when the PIN was last changed, zero when never
	// recorded.
	PINLastUpdated time.Time

	// flags keeps the full flag byte so bits this package doesn't know
	// survive a read-modify-write cycle.
	flags byte
}

func (d *AdminData) unmarshal(b []byte) error {
	inner, err := tlv.Get(b, 0x80)
	if err != nil {
		return fmt.Errorf("unmarshal admin data: %w", err)
	}
	if v, ok, err := tlv.Lookup(inner, 0x81); err != nil {
		return fmt.Errorf("unmarshal admin data flags: %w", err)
	} else if ok && len(v) > 0 {
		d.flags = v[0]
		d.PUKBlocked = v[0]&adminFlagPUKBlocked != 0
		d.ProtectedManagementKey = v[0]&adminFlagManagementKeyStored != 0
	}
	if v, ok, err := tlv.Lookup(inner, 0x82); err != nil {
		return fmt.Errorf("unmarshal admin data salt: %w", err)
	} else if ok {
		d.Salt = v
	}
	if v, ok, err := tlv.Lookup(inner, 0x83); err != nil {
		return fmt.Errorf("unmarshal admin data timestamp: %w", err)
	} else if ok {
		if len(v) != 4 {
			return fmt.Errorf("unexpected timestamp length: %d", len(v))
		}
		d.PINLastUpdated = time.Unix(int64(binary.BigEndian.Uint32(v)), 0)
	}
	return nil
}

func (d *AdminData) marshal() []byte {
	flags := d.flags
	flags &^= adminFlagPUKBlocked | adminFlagManagementKeyStored
	if d.PUKBlocked {
		flags |= adminFlagPUKBlocked
	}
	if d.ProtectedManagementKey {
		flags |= adminFlagManagementKeyStored
	}
	inner := tlv.Put(nil, 0x81, []byte{flags})
	if d.Salt != nil {
		inner = tlv.Put(inner, 0x82, d.Salt)
	}
	if !d.PINLastUpdated.IsZero() {
		var ts [4]byte
		binary.BigEndian.PutUint32(ts[:], uint32(d.PINLastUpdated.Unix()))
		inner = tlv.Put(inner, 0x83, ts[:])
	}
	return tlv.Put(nil, 0x80, inner)
}

// AdminData reads the admin data object. A card that has never stored one
// reports an empty AdminData.
func (c *Card) AdminData() (*AdminData, error) {
	tx, err := c.begin()
	if err != nil {
		return nil, err
	}
	defer tx.Close()
	data, err := getObject(tx, ObjectAdmin)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &AdminData{}, nil
		}
		return nil, fmt.Errorf("reading admin data: %w", err)
	}
	var d AdminData
	if err := d.unmarshal(data); err != nil {
		return nil, err
	}
	return &d, nil
}

// SetAdminData writes the admin data object.
//
// The session must be management key authenticated, see Authenticate.
func (c *Card) SetAdminData(d *AdminData) error {
	if c.mgmt == nil {
		return fmt.Errorf("writing admin data: %w", ErrNotAuthenticated)
	}
	tx, err := c.begin()
	if err != nil {
		return err
	}
	defer tx.Close()
	if err := authenticate(tx, *c.mgmt, c.rand); err != nil {
		return fmt.Errorf("authenticating with management key: %w", err)
	}
	return putObject(tx, ObjectAdmin, d.marshal())
}

// DeriveManagementKey derives a 3DES management key from the PIN and the
// salt recorded in the card's admin data. Cards provisioned this way store
// no key at all: knowing the PIN is enough to administer them.
func DeriveManagementKey(pin string, salt []byte) ManagementKey {
	key := pbkdf2.Key([]byte(pin), salt, 10000, 24, sha1.New)
	return ManagementKey{Algorithm: Algorithm3DES, Key: key}
}

// Package tlv provides BER-TLV helpers for PIV data objects.
//
// Encoding and decoding of well-formed BER delegate to
// github.com/moov-io/bertlv. PIV containers additionally embed fields whose
// payloads are not themselves BER (the FASC-N inside a CHUID, certificate
// DER packed next to a one-byte CertInfo), so this package also carries a
// sibling-level scanner that never recurses into values.
package tlv

import (
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"
)

// TLV is the record type used for structured encoding and decoding.
type TLV = bertlv.TLV

// Decode parses data as a run of BER-TLV records, recursing into
// constructed tags.
func Decode(data []byte) ([]TLV, error) {
	return bertlv.Decode(data)
}

// Encode serializes the given records.
func Encode(tlvs ...TLV) ([]byte, error) {
	return bertlv.Encode(tlvs)
}

// Find returns the first record with the given hex tag, searching only the
// top level of tlvs.
func Find(tlvs []TLV, tag string) (TLV, bool) {
	for _, tv := range tlvs {
		if strings.EqualFold(tv.Tag, tag) {
			return tv, true
		}
	}
	return TLV{}, false
}

// Value walks the tag path through nested records and returns the payload of
// the record at its end. Constructed records are re-encoded so the caller
// always sees the full payload bytes.
func Value(tlvs []TLV, path ...string) ([]byte, bool) {
	if len(path) == 0 {
		return nil, false
	}
	tv, ok := Find(tlvs, path[0])
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return Raw(tv), true
	}
	return Value(tv.TLVs, path[1:]...)
}

// Raw returns the encoded payload of tv whether or not the decoder expanded
// it into child records.
func Raw(tv TLV) []byte {
	if len(tv.TLVs) > 0 {
		if b, err := bertlv.Encode(tv.TLVs); err == nil {
			return b
		}
	}
	return tv.Value
}

// Get scans data as a flat sequence of TLV records and returns the value of
// the first record carrying tag. Record values are never recursed into,
// keeping the scan safe for containers holding non-BER payloads. Tags may be
// one or two bytes (0x7f49 form).
func Get(data []byte, tag uint16) ([]byte, error) {
	v, ok, err := Lookup(data, tag)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("tag 0x%x not present", tag)
	}
	return v, nil
}

// Lookup scans data like Get but reports absence of the tag separately from
// a malformed record run.
func Lookup(data []byte, tag uint16) (value []byte, ok bool, err error) {
	rest := data
	for len(rest) > 0 {
		t, v, r, err := scan(rest)
		if err != nil {
			return nil, false, err
		}
		if t == tag {
			return v, true, nil
		}
		rest = r
	}
	return nil, false, nil
}

// Record is one flat TLV record produced by Records.
type Record struct {
	Tag   uint16
	Value []byte
}

// Records scans all of data as a flat run of TLV records, in order, without
// recursing into values.
func Records(data []byte) ([]Record, error) {
	var recs []Record
	rest := data
	for len(rest) > 0 {
		t, v, r, err := scan(rest)
		if err != nil {
			return nil, err
		}
		recs = append(recs, Record{Tag: t, Value: v})
		rest = r
	}
	return recs, nil
}

// GetAll scans data like Get but collects the values of every record
// carrying tag, in order.
func GetAll(data []byte, tag uint16) ([][]byte, error) {
	var values [][]byte
	rest := data
	for len(rest) > 0 {
		t, v, r, err := scan(rest)
		if err != nil {
			return nil, err
		}
		if t == tag {
			values = append(values, v)
		}
		rest = r
	}
	return values, nil
}

// Put appends a single TLV record with the given tag and value to dst and
// returns the extended slice. Values up to 0xffffff bytes are supported.
func Put(dst []byte, tag uint16, value []byte) []byte {
	if tag > 0xff {
		dst = append(dst, byte(tag>>8), byte(tag))
	} else {
		dst = append(dst, byte(tag))
	}
	dst = putLength(dst, len(value))
	return append(dst, value...)
}

func putLength(dst []byte, n int) []byte {
	switch {
	case n < 0x80:
		return append(dst, byte(n))
	case n <= 0xff:
		return append(dst, 0x81, byte(n))
	case n <= 0xffff:
		return append(dst, 0x82, byte(n>>8), byte(n))
	default:
		return append(dst, 0x83, byte(n>>16), byte(n>>8), byte(n))
	}
}

// scan consumes one TLV record from the front of data.
func scan(data []byte) (tag uint16, value, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, fmt.Errorf("empty data")
	}
	tag = uint16(data[0])
	data = data[1:]
	if tag&0x1f == 0x1f {
		// High tag number form. PIV tags never exceed two bytes.
		if len(data) == 0 {
			return 0, nil, nil, fmt.Errorf("truncated tag")
		}
		if data[0]&0x80 != 0 {
			return 0, nil, nil, fmt.Errorf("tag 0x%x 0x%x too long", tag, data[0])
		}
		tag = tag<<8 | uint16(data[0])
		data = data[1:]
	}

	if len(data) == 0 {
		return 0, nil, nil, fmt.Errorf("tag 0x%x missing length", tag)
	}
	n := int(data[0])
	data = data[1:]
	if n > 0x80 {
		numBytes := n & 0x7f
		if numBytes > 3 {
			return 0, nil, nil, fmt.Errorf("tag 0x%x length of %d bytes not supported", tag, numBytes)
		}
		n = 0
		for i := 0; i < numBytes; i++ {
			if len(data) == 0 {
				return 0, nil, nil, fmt.Errorf("tag 0x%x truncated length", tag)
			}
			n = n<<8 | int(data[0])
			data = data[1:]
		}
	} else if n == 0x80 {
		return 0, nil, nil, fmt.Errorf("tag 0x%x with indefinite length", tag)
	}

	if n > len(data) {
		return 0, nil, nil, fmt.Errorf("tag 0x%x length %d exceeds remaining %d bytes", tag, n, len(data))
	}
	return tag, data[:n], data[n:], nil
}

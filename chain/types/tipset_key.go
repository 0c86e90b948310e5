package types

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"strings"

	"github.com/ipfs/go-cid"
)

// EmptyTSK is the key of the empty tipset; Provider methods treat it as
// "whatever the current head is".
var EmptyTSK = TipSetKey{}

// A TipSetKey is an immutable collection of CIDs forming a unique key for a tipset.
// The CIDs are assumed to be distinct and in canonical order. Two keys with the same
// CIDs in a different order are not considered equal.
// TipSetKey is a lightweight value type, and may be compared for equality with ==.
type TipSetKey struct {
	// The internal representation is a concatenation of the bytes of the CIDs, each
	// preceded by a uint32 specifying the length of the CID's bytes, and the whole
	// preceded by a uint32 giving the number of CIDs. These gymnastics make a
	// TipSetKey usable as a map key.
	// The empty key has value "" (no encoded-zero prefix).
	value string
}

// NewTipSetKey builds a new key from a slice of CIDs.
// The CIDs are assumed to be ordered correctly.
func NewTipSetKey(cids ...cid.Cid) TipSetKey {
	encoded, err := encodeKey(cids)
	if err != nil {
		panic("failed to encode CIDs: " + err.Error())
	}
	return TipSetKey{string(encoded)}
}

// TipSetKeyFromBytes wraps an encoded key, validating correct decoding.
func TipSetKeyFromBytes(encoded []byte) (TipSetKey, error) {
	_, err := decodeKey(encoded)
	if err != nil {
		return TipSetKey{}, err
	}
	return TipSetKey{string(encoded)}, nil
}

// Cids returns a slice of the CIDs comprising this key.
func (k TipSetKey) Cids() []cid.Cid {
	cids, err := decodeKey([]byte(k.value))
	if err != nil {
		panic("invalid tipset key: " + err.Error())
	}
	return cids
}

// String returns a human-readable representation of the key.
func (k TipSetKey) String() string {
	b := strings.Builder{}
	b.WriteString("{")
	cids := k.Cids()
	for i, c := range cids {
		b.WriteString(c.String())
		if i < len(cids)-1 {
			b.WriteString(",")
		}
	}
	b.WriteString("}")
	return b.String()
}

// Bytes returns a binary representation of the key.
func (k TipSetKey) Bytes() []byte {
	return []byte(k.value)
}

func (k TipSetKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.Cids())
}

func (k *TipSetKey) UnmarshalJSON(b []byte) error {
	var cids []cid.Cid
	if err := json.Unmarshal(b, &cids); err != nil {
		return err
	}
	encoded, err := encodeKey(cids)
	if err != nil {
		return err
	}
	k.value = string(encoded)
	return nil
}

func (k TipSetKey) IsEmpty() bool {
	return len(k.value) == 0
}

func encodeKey(cids []cid.Cid) ([]byte, error) {
	length := uint32(len(cids))
	if length == uint32(0) {
		return []byte{}, nil
	}
	buffer := new(bytes.Buffer)
	if err := binary.Write(buffer, binary.LittleEndian, length); err != nil {
		return nil, err
	}
	for _, c := range cids {
		b := c.Bytes()
		l := uint32(len(b))
		if err := binary.Write(buffer, binary.LittleEndian, l); err != nil {
			return nil, err
		}
		if err := binary.Write(buffer, binary.LittleEndian, b); err != nil {
			return nil, err
		}
	}
	return buffer.Bytes(), nil
}

func decodeKey(encoded []byte) ([]cid.Cid, error) {
	if len(encoded) == 0 {
		return []cid.Cid{}, nil
	}

	buffer := bytes.NewReader(encoded)
	var length uint32
	if err := binary.Read(buffer, binary.LittleEndian, &length); err != nil {
		return nil, err
	}

	cids := make([]cid.Cid, 0, length)
	for idx := uint32(0); idx < length; idx++ {
		var l uint32
		if err := binary.Read(buffer, binary.LittleEndian, &l); err != nil {
			return nil, err
		}
		buf := make([]byte, l)
		if err := binary.Read(buffer, binary.LittleEndian, buf); err != nil {
			return nil, err
		}
		c, err := cid.Cast(buf)
		if err != nil {
			return nil, err
		}
		cids = append(cids, c)
	}
	return cids, nil
}

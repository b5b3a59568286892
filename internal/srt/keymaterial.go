package srt

import (
	"encoding/binary"
	"fmt"
)

// Cipher is the KM message cipher field.
type Cipher uint8

const (
	CipherNone Cipher = 0
	CipherECB  Cipher = 1
	CipherCTR  Cipher = 2
	CipherCBC  Cipher = 3
)

const (
	kmHeaderSize = 16
	kmVersion    = 1
	kmPacketType = 2 // KMmsg
	kmSign       = 0x2029
	kmSEStream   = 2 // SRT stream encapsulation

	// salt length used by every SRT implementation
	kmSaltLen = 16
	wrapIVLen = 8
)

// KMState is the single-word KMRSP content sent instead of key material
// when the receiver could not use it.
type KMState uint32

const (
	KMUnsecured KMState = 0
	KMSecuring  KMState = 1
	KMSecured   KMState = 2
	KMNoSecret  KMState = 3
	KMBadSecret KMState = 4
)

func (s KMState) String() string {
	switch s {
	case KMUnsecured:
		return "unsecured"
	case KMSecuring:
		return "securing"
	case KMSecured:
		return "secured"
	case KMNoSecret:
		return "no secret"
	case KMBadSecret:
		return "bad secret"
	default:
		return fmt.Sprintf("KMState(%d)", uint32(s))
	}
}

// KeyMaterial is the SRT key material message exchanged in KMREQ/KMRSP.
// WrappedKey holds the RFC 3394 wrapped keys: the even key first when
// KeyFlags is KeyBoth.
type KeyMaterial struct {
	Cipher     Cipher
	KeyFlags   KeyFlag
	SaltLen    int
	KeyLen     int
	Salt       []byte
	WrappedKey []byte
}

func (km *KeyMaterial) keyCount() int {
	if km.KeyFlags == KeyBoth {
		return 2
	}
	return 1
}

func (km *KeyMaterial) validate() error {
	switch {
	case km.KeyFlags == KeyNone:
		return malformed("key material announces no key")
	case km.SaltLen != len(km.Salt) || km.SaltLen%4 != 0 || km.SaltLen == 0:
		return malformed("salt length %d", km.SaltLen)
	case !validKeyLen(km.KeyLen):
		return malformed("key length %d", km.KeyLen)
	case len(km.WrappedKey) != wrapIVLen+km.keyCount()*km.KeyLen:
		return malformed("wrapped key of %d bytes for %d key(s) of %d", len(km.WrappedKey), km.keyCount(), km.KeyLen)
	}
	return nil
}

// MarshalBinary encodes the KM message.
func (km *KeyMaterial) MarshalBinary() ([]byte, error) {
	if err := km.validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 0, kmHeaderSize+len(km.Salt)+len(km.WrappedKey))
	b = append(b,
		kmVersion<<4|kmPacketType,
		byte(kmSign>>8), byte(kmSign&0xFF),
		byte(km.KeyFlags&0x03),
	)
	b = binary.BigEndian.AppendUint32(b, 0) // KEKI
	b = append(b,
		byte(km.Cipher),
		0, // auth
		kmSEStream,
		0, 0, 0, // reserved
		byte(km.SaltLen/4),
		byte(km.KeyLen/4),
	)
	b = append(b, km.Salt...)
	return append(b, km.WrappedKey...), nil
}

// UnmarshalBinary decodes a KM message. Salt and key are copied.
func (km *KeyMaterial) UnmarshalBinary(b []byte) error {
	if len(b) < kmHeaderSize {
		return malformed("key material of %d bytes", len(b))
	}
	if v, pt := b[0]>>4&0x07, b[0]&0x0F; v != kmVersion || pt != kmPacketType {
		return malformed("key material version %d type %d", v, pt)
	}
	if sign := binary.BigEndian.Uint16(b[1:3]); sign != kmSign {
		return malformed("key material signature 0x%04X", sign)
	}
	if keki := binary.BigEndian.Uint32(b[4:8]); keki != 0 {
		return malformed("unsupported KEK index %d", keki)
	}
	out := KeyMaterial{
		KeyFlags: KeyFlag(b[3] & 0x03),
		Cipher:   Cipher(b[8]),
		SaltLen:  int(b[14]) * 4,
		KeyLen:   int(b[15]) * 4,
	}
	if out.Cipher != CipherCTR {
		return malformed("unsupported cipher %d", out.Cipher)
	}
	if se := b[10]; se != kmSEStream {
		return malformed("unsupported stream encapsulation %d", se)
	}
	rest := b[kmHeaderSize:]
	if len(rest) < out.SaltLen {
		return malformed("truncated salt")
	}
	out.Salt = append([]byte(nil), rest[:out.SaltLen]...)
	out.WrappedKey = append([]byte(nil), rest[out.SaltLen:]...)
	if err := out.validate(); err != nil {
		return err
	}
	*km = out
	return nil
}

// ParseKMResponse decodes KMRSP content: either echoed key material or a
// one-word failure state.
func ParseKMResponse(content []byte) (*KeyMaterial, KMState, error) {
	if len(content) == 4 {
		return nil, KMState(binary.BigEndian.Uint32(content)), nil
	}
	km := new(KeyMaterial)
	if err := km.UnmarshalBinary(content); err != nil {
		return nil, KMUnsecured, err
	}
	return km, KMSecured, nil
}

// KMStateContent encodes a one-word KMRSP failure state.
func KMStateContent(s KMState) []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(s))
}

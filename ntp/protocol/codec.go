/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package protocol implements the NTPv4 and NTPv5 wire format: headers,
extension fields (including the NTS ones) and the fixed point time types.
Decoding never panics and reports malformed input as *DecodeError.
*/
package protocol

import (
	"encoding/binary"
	"fmt"
)

// legacy symmetric key MACs (key id + MD5 or SHA1 digest), RFC 7822 section 7.5
var legacyMACSizes = map[int]bool{20: true, 24: true}

// Packet is a decoded NTP packet
type Packet struct {
	Header
	// Extensions are the fields before the NTS authenticator, if any
	Extensions []ExtensionField
	// Authenticator is the NTS Authenticator and Encrypted Extension Fields field
	Authenticator *NTSAuthenticator
	// AuthenticatorOffset is where the authenticator starts, which is also
	// the length of the associated data it protects. Set by Decode.
	AuthenticatorOffset int
	// AuthenticatorConsumedRemainder is set by Decode when nothing followed the authenticator
	AuthenticatorConsumedRemainder bool
	// Trailer holds bytes that are not parsed: anything after the authenticator,
	// a legacy MAC, or the payload of modes that carry no extension fields
	Trailer []byte
}

// Decode parses a packet. The returned packet does not alias b.
func Decode(b []byte) (*Packet, error) {
	if len(b) < HeaderSizeBytes {
		return nil, decodeErr(Truncated, len(b), "header needs %d bytes", HeaderSizeBytes)
	}
	p := &Packet{}
	p.Leap = LeapIndicator(b[0] >> 6)
	p.Version = Version((b[0] >> 3) & 0x7)
	p.Mode = Mode(b[0] & 0x7)
	c, ok := codecFor(p.Version)
	if !ok {
		return nil, decodeErr(BadVersion, 0, "version %d", p.Version)
	}
	c.decodeHeader(b, &p.Header)

	rest := b[HeaderSizeBytes:]
	if len(rest) == 0 {
		return p, nil
	}
	if !p.AllowsExtensions() {
		p.Trailer = clone(rest)
		return p, nil
	}
	if p.Version == Version4 && legacyMACSizes[len(rest)] {
		p.Trailer = clone(rest)
		return p, nil
	}

	offset := HeaderSizeBytes
	for offset < len(b) {
		remaining := len(b) - offset
		if p.Version == Version4 && len(p.Extensions) > 0 && legacyMACSizes[remaining] {
			p.Trailer = clone(b[offset:])
			return p, nil
		}
		t, body, n, err := nextField(b, offset)
		if err != nil {
			return nil, err
		}
		f, err := decodeExtension(c, t, body, offset)
		if err != nil {
			return nil, err
		}
		if auth, ok := f.(NTSAuthenticator); ok {
			p.Authenticator = &auth
			p.AuthenticatorOffset = offset
			p.Trailer = clone(b[offset+n:])
			p.AuthenticatorConsumedRemainder = len(p.Trailer) == 0
			if len(p.Trailer) == 0 {
				p.Trailer = nil
			}
			return p, nil
		}
		p.Extensions = append(p.Extensions, f)
		offset += n
	}
	return p, nil
}

// nextField validates the field header at offset and returns its type, body and total size
func nextField(b []byte, offset int) (ExtensionType, []byte, int, error) {
	remaining := len(b) - offset
	if remaining < extHeaderSize {
		return 0, nil, 0, decodeErr(Truncated, offset, "extension header needs %d bytes, %d left", extHeaderSize, remaining)
	}
	t := ExtensionType(binary.BigEndian.Uint16(b[offset:]))
	n := int(binary.BigEndian.Uint16(b[offset+2:]))
	if n < extHeaderSize {
		return 0, nil, 0, decodeErr(BadExtensionLength, offset, "%s length %d", t, n)
	}
	if n%4 != 0 {
		return 0, nil, 0, decodeErr(Misaligned, offset, "%s length %d", t, n)
	}
	if n > remaining {
		return 0, nil, 0, decodeErr(BadExtensionLength, offset, "%s length %d exceeds %d remaining", t, n, remaining)
	}
	return t, b[offset+extHeaderSize : offset+n], n, nil
}

// DecodeExtensions parses a run of extension fields with no header, as found
// in the plaintext of an NTS authenticator.
func DecodeExtensions(b []byte, v Version) ([]ExtensionField, error) {
	c, ok := codecFor(v)
	if !ok {
		return nil, decodeErr(BadVersion, 0, "version %d", v)
	}
	var fields []ExtensionField
	for offset := 0; offset < len(b); {
		t, body, n, err := nextField(b, offset)
		if err != nil {
			return nil, err
		}
		f, err := decodeExtension(c, t, body, offset)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
		offset += n
	}
	return fields, nil
}

// AppendExtensions encodes fields back to back, the inverse of DecodeExtensions
func AppendExtensions(b []byte, fields []ExtensionField) ([]byte, error) {
	var err error
	for _, f := range fields {
		if b, err = appendExtension(b, f); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Len returns the encoded size of the packet
func (p *Packet) Len() int {
	n := HeaderSizeBytes
	for _, e := range p.Extensions {
		n += fieldLen(e)
	}
	if p.Authenticator != nil {
		n += fieldLen(*p.Authenticator)
	}
	return n + len(p.Trailer)
}

// Encode serializes the packet
func (p *Packet) Encode() ([]byte, error) {
	return p.AppendTo(make([]byte, 0, p.Len()))
}

// AppendTo appends the encoded packet to b
func (p *Packet) AppendTo(b []byte) ([]byte, error) {
	c, ok := codecFor(p.Version)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.Version)
	}
	if (len(p.Extensions) > 0 || p.Authenticator != nil) && !p.AllowsExtensions() {
		return nil, fmt.Errorf("%w: version %d mode %s", ErrExtensionsNotAllowed, p.Version, p.Mode)
	}
	start := len(b)
	b = append(b, make([]byte, HeaderSizeBytes)...)
	c.encodeHeader(b[start:], &p.Header)
	fields := make([]int, 0, len(p.Extensions)+1)
	var err error
	for _, e := range p.Extensions {
		fields = append(fields, len(b)-start)
		if b, err = appendExtension(b, e); err != nil {
			return nil, err
		}
	}
	if p.Authenticator != nil {
		fields = append(fields, len(b)-start)
		if b, err = appendExtension(b, *p.Authenticator); err != nil {
			return nil, err
		}
	}
	b = append(b, p.Trailer...)
	if err := p.checkLayout(fields, len(b)-start); err != nil {
		return nil, err
	}
	return b, nil
}

// checkLayout rejects packets Decode would not read back field for field.
// fields are the offsets the extension fields start at, size the packet length.
func (p *Packet) checkLayout(fields []int, size int) error {
	if !p.AllowsExtensions() {
		return nil
	}
	if p.Version == Version4 {
		for _, off := range fields {
			if legacyMACSizes[size-off] {
				// RFC 7822 7.5: without a MAC the last field must be at least 28 bytes
				return fmt.Errorf("%w: %d bytes from offset %d read back as a legacy MAC", ErrAmbiguousLayout, size-off, off)
			}
		}
	}
	if p.Authenticator == nil && len(p.Trailer) > 0 && (p.Version != Version4 || !legacyMACSizes[len(p.Trailer)]) {
		return fmt.Errorf("%w: %d trailing bytes read back as extension fields", ErrAmbiguousLayout, len(p.Trailer))
	}
	return nil
}

// MarshalBinaryTo encodes the packet into b and returns the number of bytes written
func (p *Packet) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < p.Len() {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrBufferTooSmall, p.Len(), len(b))
	}
	out, err := p.AppendTo(b[:0])
	if err != nil {
		return 0, err
	}
	return len(out), nil
}

// MarshalBinary implements encoding.BinaryMarshaler
func (p *Packet) MarshalBinary() ([]byte, error) {
	return p.Encode()
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (p *Packet) UnmarshalBinary(b []byte) error {
	decoded, err := Decode(b)
	if err != nil {
		return err
	}
	*p = *decoded
	return nil
}

// Extension returns the first extension field of type t
func (p *Packet) Extension(t ExtensionType) (ExtensionField, bool) {
	for _, e := range p.Extensions {
		if e.Type() == t {
			return e, true
		}
	}
	return nil, false
}

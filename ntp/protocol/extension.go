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

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// ExtensionType is the wire type of an extension field
type ExtensionType uint16

// Extension field types
const (
	ExtUniqueIdentifier     ExtensionType = 0x0104
	ExtNTSCookie            ExtensionType = 0x0204
	ExtNTSCookiePlaceholder ExtensionType = 0x0304
	ExtNTSAuthenticator     ExtensionType = 0x0404

	ExtV5Padding             ExtensionType = 0xF501
	ExtV5ReferenceIDRequest  ExtensionType = 0xF503
	ExtV5ReferenceIDResponse ExtensionType = 0xF504
	ExtV5ServerInformation   ExtensionType = 0xF505
	ExtV5DraftIdentification ExtensionType = 0xF5FF
)

var extensionTypeToString = map[ExtensionType]string{
	ExtUniqueIdentifier:      "UNIQUE_IDENTIFIER",
	ExtNTSCookie:             "NTS_COOKIE",
	ExtNTSCookiePlaceholder:  "NTS_COOKIE_PLACEHOLDER",
	ExtNTSAuthenticator:      "NTS_AUTHENTICATOR",
	ExtV5Padding:             "PADDING",
	ExtV5ReferenceIDRequest:  "REFERENCE_ID_REQUEST",
	ExtV5ReferenceIDResponse: "REFERENCE_ID_RESPONSE",
	ExtV5ServerInformation:   "SERVER_INFORMATION",
	ExtV5DraftIdentification: "DRAFT_IDENTIFICATION",
}

func (t ExtensionType) String() string {
	if s, ok := extensionTypeToString[t]; ok {
		return s
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

func (t ExtensionType) isNTS() bool {
	switch t {
	case ExtUniqueIdentifier, ExtNTSCookie, ExtNTSCookiePlaceholder, ExtNTSAuthenticator:
		return true
	}
	return false
}

func (t ExtensionType) isV5() bool {
	switch t {
	case ExtV5Padding, ExtV5ReferenceIDRequest, ExtV5ReferenceIDResponse, ExtV5ServerInformation, ExtV5DraftIdentification:
		return true
	}
	return false
}

// extHeaderSize is the type and length prefix of every extension field
const extHeaderSize = 4

// DraftName is the NTPv5 draft this implementation follows
const DraftName = "draft-ietf-ntp-ntpv5-03"

// ExtensionField is one of the extension field variants defined in this package.
// The set is closed; types unknown to a given version decode as UnknownExtension.
type ExtensionField interface {
	Type() ExtensionType
	bodyLen() int
	appendBody(b []byte) []byte
}

// UniqueIdentifier carries the random identifier matching request and response
type UniqueIdentifier struct {
	ID []byte
}

// Type implements ExtensionField
func (UniqueIdentifier) Type() ExtensionType { return ExtUniqueIdentifier }
func (e UniqueIdentifier) bodyLen() int { return len(e.ID) }
func (e UniqueIdentifier) appendBody(b []byte) []byte { return append(b, e.ID...) }

// NTSCookie carries one opaque cookie
type NTSCookie struct {
	Cookie []byte
}

// Type implements ExtensionField
func (NTSCookie) Type() ExtensionType { return ExtNTSCookie }
func (e NTSCookie) bodyLen() int { return len(e.Cookie) }
func (e NTSCookie) appendBody(b []byte) []byte { return append(b, e.Cookie...) }

// NTSCookiePlaceholder asks the server for one more cookie of the same size
type NTSCookiePlaceholder struct {
	Length int
}

// Type implements ExtensionField
func (NTSCookiePlaceholder) Type() ExtensionType { return ExtNTSCookiePlaceholder }
func (e NTSCookiePlaceholder) bodyLen() int { return e.Length }
func (e NTSCookiePlaceholder) appendBody(b []byte) []byte {
	return append(b, make([]byte, e.Length)...)
}

// NTSAuthenticator is the NTS Authenticator and Encrypted Extension Fields field
type NTSAuthenticator struct {
	Nonce      []byte
	Ciphertext []byte
	// AdditionalPadding is the zero fill after the ciphertext, RFC 8915 5.6
	AdditionalPadding int
}

// Type implements ExtensionField
func (NTSAuthenticator) Type() ExtensionType { return ExtNTSAuthenticator }

func (e NTSAuthenticator) bodyLen() int {
	return 4 + paddedLen(len(e.Nonce)) + paddedLen(len(e.Ciphertext)) + e.AdditionalPadding
}

func (e NTSAuthenticator) appendBody(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, uint16(len(e.Nonce)))
	b = binary.BigEndian.AppendUint16(b, uint16(len(e.Ciphertext)))
	b = appendPadded(b, e.Nonce)
	b = appendPadded(b, e.Ciphertext)
	return append(b, make([]byte, e.AdditionalPadding)...)
}

// Padding is an NTPv5 padding field
type Padding struct {
	Length int
}

// Type implements ExtensionField
func (Padding) Type() ExtensionType { return ExtV5Padding }
func (e Padding) bodyLen() int { return e.Length }
func (e Padding) appendBody(b []byte) []byte { return append(b, make([]byte, e.Length)...) }

// DraftIdentification names the NTPv5 draft the sender implements
type DraftIdentification struct {
	Draft string
}

// Type implements ExtensionField
func (DraftIdentification) Type() ExtensionType { return ExtV5DraftIdentification }
func (e DraftIdentification) bodyLen() int { return len(e.Draft) }
func (e DraftIdentification) appendBody(b []byte) []byte { return append(b, e.Draft...) }

// ReferenceIDRequest asks for a slice of the server's reference ID bloom filter
type ReferenceIDRequest struct {
	Offset uint16
	Length int
}

// Type implements ExtensionField
func (ReferenceIDRequest) Type() ExtensionType { return ExtV5ReferenceIDRequest }
func (e ReferenceIDRequest) bodyLen() int { return 4 + e.Length }
func (e ReferenceIDRequest) appendBody(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, e.Offset)
	b = append(b, 0, 0)
	return append(b, make([]byte, e.Length)...)
}

// ReferenceIDResponse carries a slice of the server's reference ID bloom filter
type ReferenceIDResponse struct {
	Data []byte
}

// Type implements ExtensionField
func (ReferenceIDResponse) Type() ExtensionType { return ExtV5ReferenceIDResponse }
func (e ReferenceIDResponse) bodyLen() int { return len(e.Data) }
func (e ReferenceIDResponse) appendBody(b []byte) []byte { return append(b, e.Data...) }

// ServerInformation advertises the protocol versions a server supports, one bit per version
type ServerInformation struct {
	SupportedVersions uint16
}

// Type implements ExtensionField
func (ServerInformation) Type() ExtensionType { return ExtV5ServerInformation }
func (ServerInformation) bodyLen() int { return 4 }
func (e ServerInformation) appendBody(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, e.SupportedVersions)
	return append(b, 0, 0)
}

// UnknownExtension keeps the raw body of a field this version has no type for
type UnknownExtension struct {
	FieldType ExtensionType
	Body      []byte
}

// Type implements ExtensionField
func (e UnknownExtension) Type() ExtensionType { return e.FieldType }
func (e UnknownExtension) bodyLen() int { return len(e.Body) }
func (e UnknownExtension) appendBody(b []byte) []byte { return append(b, e.Body...) }

// fieldLen is the on-wire size of an extension field including header and padding
func fieldLen(e ExtensionField) int {
	return extHeaderSize + paddedLen(e.bodyLen())
}

// bodyRoundTrips reports whether Decode gives the field body back unchanged.
// Padding is read back as data except where the field strips it.
func bodyRoundTrips(e ExtensionField) bool {
	switch e := e.(type) {
	case NTSAuthenticator:
		return e.AdditionalPadding >= 0 && e.AdditionalPadding%4 == 0
	case DraftIdentification:
		return !strings.HasSuffix(e.Draft, "\x00")
	case ReferenceIDRequest:
		return e.Length >= 0 && e.Length%4 == 0
	}
	return e.bodyLen() >= 0 && e.bodyLen()%4 == 0
}

func appendExtension(b []byte, e ExtensionField) ([]byte, error) {
	if !bodyRoundTrips(e) {
		return b, fmt.Errorf("%w: %s body of %d bytes", ErrUnalignedExtension, e.Type(), e.bodyLen())
	}
	n := fieldLen(e)
	if n > 0xffff {
		return b, fmt.Errorf("%w: %s is %d bytes", ErrExtensionTooLarge, e.Type(), n)
	}
	b = binary.BigEndian.AppendUint16(b, uint16(e.Type()))
	b = binary.BigEndian.AppendUint16(b, uint16(n))
	start := len(b)
	b = e.appendBody(b)
	for len(b)-start < n-extHeaderSize {
		b = append(b, 0)
	}
	return b, nil
}

// decodeExtension builds the typed variant of one field. body excludes the 4 byte header.
func decodeExtension(c versionCodec, t ExtensionType, body []byte, offset int) (ExtensionField, error) {
	if !c.typedExtension(t) {
		return UnknownExtension{FieldType: t, Body: clone(body)}, nil
	}
	switch t {
	case ExtUniqueIdentifier:
		return UniqueIdentifier{ID: clone(body)}, nil
	case ExtNTSCookie:
		return NTSCookie{Cookie: clone(body)}, nil
	case ExtNTSCookiePlaceholder:
		return NTSCookiePlaceholder{Length: len(body)}, nil
	case ExtNTSAuthenticator:
		return decodeAuthenticator(body, offset)
	case ExtV5Padding:
		return Padding{Length: len(body)}, nil
	case ExtV5DraftIdentification:
		return DraftIdentification{Draft: string(bytes.TrimRight(body, "\x00"))}, nil
	case ExtV5ReferenceIDRequest:
		if len(body) < 4 {
			return nil, decodeErr(BadField, offset, "reference id request body is %d bytes", len(body))
		}
		return ReferenceIDRequest{Offset: binary.BigEndian.Uint16(body), Length: len(body) - 4}, nil
	case ExtV5ReferenceIDResponse:
		return ReferenceIDResponse{Data: clone(body)}, nil
	case ExtV5ServerInformation:
		if len(body) < 4 {
			return nil, decodeErr(BadField, offset, "server information body is %d bytes", len(body))
		}
		return ServerInformation{SupportedVersions: binary.BigEndian.Uint16(body)}, nil
	}
	return UnknownExtension{FieldType: t, Body: clone(body)}, nil
}

func decodeAuthenticator(body []byte, offset int) (ExtensionField, error) {
	if len(body) < 4 {
		return nil, decodeErr(BadField, offset, "authenticator body is %d bytes", len(body))
	}
	nonceLen := int(binary.BigEndian.Uint16(body[0:]))
	ctLen := int(binary.BigEndian.Uint16(body[2:]))
	need := 4 + paddedLen(nonceLen) + paddedLen(ctLen)
	if need > len(body) {
		return nil, decodeErr(BadField, offset, "authenticator needs %d bytes, has %d", need, len(body))
	}
	nonceStart := 4
	ctStart := nonceStart + paddedLen(nonceLen)
	return NTSAuthenticator{
		Nonce:             clone(body[nonceStart : nonceStart+nonceLen]),
		Ciphertext:        clone(body[ctStart : ctStart+ctLen]),
		AdditionalPadding: len(body) - need,
	}, nil
}

func paddedLen(n int) int {
	return (n + 3) &^ 3
}

func appendPadded(b, data []byte) []byte {
	b = append(b, data...)
	for i := len(data); i < paddedLen(len(data)); i++ {
		b = append(b, 0)
	}
	return b
}

func clone(b []byte) []byte {
	return append([]byte{}, b...)
}

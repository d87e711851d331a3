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
Package ntske implements the NTS Key Establishment protocol (RFC 8915 section 4)
as explicit client and server state machines over an external TLS stream.
*/
package ntske

import (
	"fmt"
	"strings"

	"github.com/yonasBSD/ntpd-rs/ntp/nts"
	"golang.org/x/crypto/cryptobyte"
)

// RecordType is the 15 bit NTS-KE record type
type RecordType uint16

// Record types
const (
	RecordEndOfMessage  RecordType = 0
	RecordNextProtocol  RecordType = 1
	RecordError         RecordType = 2
	RecordWarning       RecordType = 3
	RecordAEADAlgorithm RecordType = 4
	RecordNewCookie     RecordType = 5
	RecordServer        RecordType = 6
	RecordPort          RecordType = 7
)

var recordTypeToString = map[RecordType]string{
	RecordEndOfMessage:  "END_OF_MESSAGE",
	RecordNextProtocol:  "NEXT_PROTOCOL",
	RecordError:         "ERROR",
	RecordWarning:       "WARNING",
	RecordAEADAlgorithm: "AEAD_ALGORITHM",
	RecordNewCookie:     "NEW_COOKIE",
	RecordServer:        "SERVER",
	RecordPort:          "PORT",
}

func (t RecordType) String() string {
	if s, ok := recordTypeToString[t]; ok {
		return s
	}
	return fmt.Sprintf("RECORD(%d)", uint16(t))
}

// criticalBit marks records the receiver must understand
const criticalBit = 0x8000

// recordHeaderSize is the type and length prefix
const recordHeaderSize = 4

// MaxMessageSize bounds the bytes of one message, parsed or not
const MaxMessageSize = 1 << 16

// MaxCookies bounds the cookies one exchange may hand out
const MaxCookies = 8

// ProtocolID is an NTS next protocol identifier
type ProtocolID uint16

// Next protocols
const (
	ProtocolNTPv4      ProtocolID = 0
	ProtocolNTPv5Draft ProtocolID = 0x8001
)

func (p ProtocolID) String() string {
	switch p {
	case ProtocolNTPv4:
		return "NTPv4"
	case ProtocolNTPv5Draft:
		return "NTPv5-draft"
	}
	return fmt.Sprintf("PROTOCOL(%d)", uint16(p))
}

// ParseProtocol maps a configuration name, as returned by String, to a protocol
func ParseProtocol(name string) (ProtocolID, error) {
	for _, p := range []ProtocolID{ProtocolNTPv4, ProtocolNTPv5Draft} {
		if strings.EqualFold(p.String(), name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol %q", name)
}

// ErrorCode is carried by Error records
type ErrorCode uint16

// Error codes
const (
	ErrorUnrecognizedCriticalRecord ErrorCode = 0
	ErrorBadRequest                 ErrorCode = 1
	ErrorInternalServerError        ErrorCode = 2
)

var errorCodeToString = map[ErrorCode]string{
	ErrorUnrecognizedCriticalRecord: "unrecognized critical record",
	ErrorBadRequest:                 "bad request",
	ErrorInternalServerError:        "internal server error",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeToString[c]; ok {
		return s
	}
	return fmt.Sprintf("error(%d)", uint16(c))
}

// Record is one NTS-KE record
type Record struct {
	Critical bool
	Type     RecordType
	Body     []byte
}

func (r Record) marshal(b *cryptobyte.Builder) {
	t := uint16(r.Type) &^ criticalBit
	if r.Critical {
		t |= criticalBit
	}
	b.AddUint16(t)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(r.Body)
	})
}

// MarshalRecords encodes a message
func MarshalRecords(records ...Record) ([]byte, error) {
	var b cryptobyte.Builder
	for _, r := range records {
		r.marshal(&b)
	}
	return b.Bytes()
}

func u16Body(values ...uint16) []byte {
	var b cryptobyte.Builder
	for _, v := range values {
		b.AddUint16(v)
	}
	return b.BytesOrPanic()
}

func parseU16List(body []byte) ([]uint16, bool) {
	if len(body)%2 != 0 {
		return nil, false
	}
	s := cryptobyte.String(body)
	values := make([]uint16, 0, len(body)/2)
	for !s.Empty() {
		var v uint16
		if !s.ReadUint16(&v) {
			return nil, false
		}
		values = append(values, v)
	}
	return values, true
}

func parseU16(body []byte) (uint16, bool) {
	values, ok := parseU16List(body)
	if !ok || len(values) != 1 {
		return 0, false
	}
	return values[0], true
}

func endOfMessage() Record {
	return Record{Critical: true, Type: RecordEndOfMessage}
}

func nextProtocolRecord(protocols ...ProtocolID) Record {
	values := make([]uint16, 0, len(protocols))
	for _, p := range protocols {
		values = append(values, uint16(p))
	}
	return Record{Critical: true, Type: RecordNextProtocol, Body: u16Body(values...)}
}

func aeadRecord(algorithms ...nts.AlgorithmID) Record {
	values := make([]uint16, 0, len(algorithms))
	for _, a := range algorithms {
		values = append(values, uint16(a))
	}
	return Record{Critical: true, Type: RecordAEADAlgorithm, Body: u16Body(values...)}
}

func errorRecord(code ErrorCode) Record {
	return Record{Critical: true, Type: RecordError, Body: u16Body(uint16(code))}
}

// recordReader reassembles records from a byte stream delivered in arbitrary chunks
type recordReader struct {
	buf []byte
	// total counts every byte fed so far
	total int
}

func (r *recordReader) feed(b []byte) error {
	if r.total+len(b) > MaxMessageSize {
		return &KeyExchangeError{Kind: KindProtocol, Msg: "message too large"}
	}
	r.total += len(b)
	r.buf = append(r.buf, b...)
	return nil
}

// next returns the next complete record, if one is buffered
func (r *recordReader) next() (Record, bool) {
	s := cryptobyte.String(r.buf)
	var t uint16
	var body cryptobyte.String
	if !s.ReadUint16(&t) || !s.ReadUint16LengthPrefixed(&body) {
		return Record{}, false
	}
	rec := Record{
		Critical: t&criticalBit != 0,
		Type:     RecordType(t &^ criticalBit),
		Body:     append([]byte{}, body...),
	}
	r.buf = r.buf[recordHeaderSize+len(body):]
	return rec, true
}

// ParseRecords decodes a complete message. Trailing partial records are an error.
func ParseRecords(b []byte) ([]Record, error) {
	r := recordReader{buf: b}
	var records []Record
	for {
		rec, ok := r.next()
		if !ok {
			break
		}
		records = append(records, rec)
	}
	if len(r.buf) != 0 {
		return records, &KeyExchangeError{Kind: KindProtocol, Msg: fmt.Sprintf("%d trailing bytes", len(r.buf))}
	}
	return records, nil
}

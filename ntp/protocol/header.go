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
	"encoding/binary"
	"fmt"
)

// HeaderSizeBytes is the size of both NTPv4 and NTPv5 headers
const HeaderSizeBytes = 48

// LeapIndicator warns of an impending leap second
type LeapIndicator uint8

// Leap indicator values
const (
	LeapNoWarning LeapIndicator = iota
	LeapAddSecond
	LeapDelSecond
	LeapUnknown
)

// IsSynchronized is false when the sender's clock is not synchronized
func (l LeapIndicator) IsSynchronized() bool {
	return l != LeapUnknown
}

// Mode is the association mode
type Mode uint8

// Association modes
const (
	ModeReserved Mode = iota
	ModeSymmetricActive
	ModeSymmetricPassive
	ModeClient
	ModeServer
	ModeBroadcast
	ModeControl
	ModePrivate
)

var modeToString = map[Mode]string{
	ModeReserved:         "reserved",
	ModeSymmetricActive:  "symmetric active",
	ModeSymmetricPassive: "symmetric passive",
	ModeClient:           "client",
	ModeServer:           "server",
	ModeBroadcast:        "broadcast",
	ModeControl:          "control",
	ModePrivate:          "private",
}

func (m Mode) String() string {
	return modeToString[m&0x7]
}

// Version is the protocol version number
type Version uint8

// Supported versions
const (
	Version4 Version = 4
	Version5 Version = 5
)

// ReferenceID identifies the server's reference or, in kiss packets, carries the kiss code
type ReferenceID uint32

// Kiss codes
const (
	KissDeny ReferenceID = 0x44454e59 // DENY
	KissRstr ReferenceID = 0x52535452 // RSTR
	KissRate ReferenceID = 0x52415445 // RATE
	KissNTSN ReferenceID = 0x4e54534e // NTSN
)

// RefIDFromString packs up to 4 ASCII characters, padded with spaces
func RefIDFromString(s string) ReferenceID {
	return ReferenceID(binary.BigEndian.Uint32([]byte(fmt.Sprintf("%-4.4s", s))))
}

func (r ReferenceID) String() string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(r))
	for _, c := range b {
		if (c < 0x20 || c > 0x7e) && c != 0 {
			return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
		}
	}
	return string(b)
}

// Timescale of an NTPv5 packet
type Timescale uint8

// NTPv5 timescales
const (
	TimescaleUTC Timescale = iota
	TimescaleTAI
	TimescaleUT1
	TimescaleLeapSmearedUTC
)

// Flags of an NTPv5 packet
type Flags uint16

// NTPv5 flags
const (
	FlagUnknownLeap Flags = 0x1
	FlagInterleaved Flags = 0x2
	FlagAuthNAK     Flags = 0x4
)

// UpgradeTimestamp is put in the reference timestamp of an NTPv4 request by
// clients which support NTPv5; a v5 capable server echoes it back.
const UpgradeTimestamp = Timestamp(0x4E54503544524654) // "NTP5DRFT"

// Header is the fixed part of an NTP packet. Fields not present in a given
// version are left zero.
/*
NTPv4 (RFC 5905)                          NTPv5 (draft-ietf-ntp-ntpv5)
0 |LI|VN|Mode|Stratum|Poll|Precision|     0 |LI|VN|Mode|Stratum|Poll|Precision|
4 |Root Delay (16.16)               |     4 |Timescale|Era|Flags             |
8 |Root Dispersion (16.16)          |     8 |Root Delay (4.28)               |
12|Reference ID                     |     12|Root Dispersion (4.28)          |
16|Reference Timestamp              |     16|Server Cookie                   |
24|Origin Timestamp                 |     24|Client Cookie                   |
32|Receive Timestamp                |     32|Receive Timestamp               |
40|Transmit Timestamp               |     40|Transmit Timestamp              |
*/
type Header struct {
	Leap           LeapIndicator
	Version        Version
	Mode           Mode
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      Duration
	RootDispersion Duration
	ReceiveTime    Timestamp
	TransmitTime   Timestamp

	// NTPv4 only
	ReferenceID   ReferenceID
	ReferenceTime Timestamp
	OriginTime    Timestamp

	// NTPv5 only
	Timescale    Timescale
	Era          uint8
	Flags        Flags
	ServerCookie uint64
	ClientCookie uint64
}

// AllowsExtensions reports whether extension fields may follow the header.
// NTPv4 control and private modes carry their own payload; NTPv5 only defines
// client and server modes.
func (h *Header) AllowsExtensions() bool {
	switch h.Version {
	case Version4:
		return h.Mode >= ModeSymmetricActive && h.Mode <= ModeBroadcast
	case Version5:
		return h.Mode == ModeClient || h.Mode == ModeServer
	}
	return false
}

// IsKiss reports whether the packet is a kiss-o'-death
func (h *Header) IsKiss() bool {
	return h.Version != Version5 && h.Mode == ModeServer && h.Stratum == 0
}

// IsAuthNAK reports whether the server signalled it could not authenticate the request
func (h *Header) IsAuthNAK() bool {
	if h.Version == Version5 {
		return h.Flags&FlagAuthNAK != 0
	}
	return h.IsKiss() && h.ReferenceID == KissNTSN
}

// WantsUpgrade reports whether an NTPv4 request advertises NTPv5 support
func (h *Header) WantsUpgrade() bool {
	return h.Version == Version4 && h.ReferenceTime == UpgradeTimestamp
}

func (h *Header) settings() byte {
	return byte(h.Leap&0x3)<<6 | byte(h.Version&0x7)<<3 | byte(h.Mode&0x7)
}

// versionCodec owns the header layout and extension tag space of one protocol version
type versionCodec interface {
	decodeHeader(b []byte, h *Header)
	encodeHeader(b []byte, h *Header)
	// typedExtension reports whether the extension type has a typed
	// representation in this version. Others decode as UnknownExtension.
	typedExtension(t ExtensionType) bool
}

type v4Codec struct{}

func (v4Codec) decodeHeader(b []byte, h *Header) {
	h.Stratum = b[1]
	h.Poll = int8(b[2])
	h.Precision = int8(b[3])
	h.RootDelay = Short(binary.BigEndian.Uint32(b[4:])).Duration()
	h.RootDispersion = Short(binary.BigEndian.Uint32(b[8:])).Duration()
	h.ReferenceID = ReferenceID(binary.BigEndian.Uint32(b[12:]))
	h.ReferenceTime = Timestamp(binary.BigEndian.Uint64(b[16:]))
	h.OriginTime = Timestamp(binary.BigEndian.Uint64(b[24:]))
	h.ReceiveTime = Timestamp(binary.BigEndian.Uint64(b[32:]))
	h.TransmitTime = Timestamp(binary.BigEndian.Uint64(b[40:]))
}

func (v4Codec) encodeHeader(b []byte, h *Header) {
	b[0] = h.settings()
	b[1] = h.Stratum
	b[2] = byte(h.Poll)
	b[3] = byte(h.Precision)
	binary.BigEndian.PutUint32(b[4:], uint32(ShortFromDuration(h.RootDelay)))
	binary.BigEndian.PutUint32(b[8:], uint32(ShortFromDuration(h.RootDispersion)))
	binary.BigEndian.PutUint32(b[12:], uint32(h.ReferenceID))
	binary.BigEndian.PutUint64(b[16:], uint64(h.ReferenceTime))
	binary.BigEndian.PutUint64(b[24:], uint64(h.OriginTime))
	binary.BigEndian.PutUint64(b[32:], uint64(h.ReceiveTime))
	binary.BigEndian.PutUint64(b[40:], uint64(h.TransmitTime))
}

func (v4Codec) typedExtension(t ExtensionType) bool {
	return t.isNTS()
}

type v5Codec struct{}

func (v5Codec) decodeHeader(b []byte, h *Header) {
	h.Stratum = b[1]
	h.Poll = int8(b[2])
	h.Precision = int8(b[3])
	h.Timescale = Timescale(b[4])
	h.Era = b[5]
	h.Flags = Flags(binary.BigEndian.Uint16(b[6:]))
	h.RootDelay = Time32(binary.BigEndian.Uint32(b[8:])).Duration()
	h.RootDispersion = Time32(binary.BigEndian.Uint32(b[12:])).Duration()
	h.ServerCookie = binary.BigEndian.Uint64(b[16:])
	h.ClientCookie = binary.BigEndian.Uint64(b[24:])
	h.ReceiveTime = Timestamp(binary.BigEndian.Uint64(b[32:]))
	h.TransmitTime = Timestamp(binary.BigEndian.Uint64(b[40:]))
}

func (v5Codec) encodeHeader(b []byte, h *Header) {
	b[0] = h.settings()
	b[1] = h.Stratum
	b[2] = byte(h.Poll)
	b[3] = byte(h.Precision)
	b[4] = byte(h.Timescale)
	b[5] = h.Era
	binary.BigEndian.PutUint16(b[6:], uint16(h.Flags))
	binary.BigEndian.PutUint32(b[8:], uint32(Time32FromDuration(h.RootDelay)))
	binary.BigEndian.PutUint32(b[12:], uint32(Time32FromDuration(h.RootDispersion)))
	binary.BigEndian.PutUint64(b[16:], h.ServerCookie)
	binary.BigEndian.PutUint64(b[24:], h.ClientCookie)
	binary.BigEndian.PutUint64(b[32:], uint64(h.ReceiveTime))
	binary.BigEndian.PutUint64(b[40:], uint64(h.TransmitTime))
}

func (v5Codec) typedExtension(t ExtensionType) bool {
	return t.isNTS() || t.isV5()
}

// codecFor picks the codec by version. Versions 1 to 3 share the v4 layout.
func codecFor(v Version) (versionCodec, bool) {
	switch {
	case v >= 1 && v <= Version4:
		return v4Codec{}, true
	case v == Version5:
		return v5Codec{}, true
	}
	return nil, false
}

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
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	// Packet request. From ntpdate run
	ntpRequestBytes = []byte{227, 0, 3, 250, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 226, 39, 15, 119, 162, 4, 176, 212}

	ntpRequest = &Packet{
		Header: Header{
			Leap:           LeapUnknown,
			Version:        Version4,
			Mode:           ModeClient,
			Poll:           3,
			Precision:      -6,
			RootDelay:      DurationFromSeconds(1),
			RootDispersion: DurationFromSeconds(1),
			TransmitTime:   NewTimestamp(3794210679, 2718216404),
		},
	}

	// Response to the request above
	ntpResponseBytes = []byte{36, 1, 3, 224, 0, 0, 0, 0, 0, 0, 0, 10, 70, 66, 32, 32, 226, 39, 12, 8, 0, 0, 0, 0, 226, 39, 15, 119, 162, 4, 176, 212, 226, 39, 15, 119, 162, 7, 30, 48, 226, 39, 15, 119, 162, 28, 37, 6}

	ntpResponse = &Packet{
		Header: Header{
			Leap:           LeapNoWarning,
			Version:        Version4,
			Mode:           ModeServer,
			Stratum:        1,
			Poll:           3,
			Precision:      -32,
			RootDispersion: Short(10).Duration(),
			ReferenceID:    RefIDFromString("FB"),
			ReferenceTime:  NewTimestamp(3794209800, 0),
			OriginTime:     NewTimestamp(3794210679, 2718216404),
			ReceiveTime:    NewTimestamp(3794210679, 2718375472),
			TransmitTime:   NewTimestamp(3794210679, 2719753478),
		},
	}
)

func ntsRequest() *Packet {
	return &Packet{
		Header: Header{
			Version:      Version4,
			Mode:         ModeClient,
			TransmitTime: NewTimestamp(1, 2),
		},
		Extensions: []ExtensionField{
			UniqueIdentifier{ID: bytes.Repeat([]byte{0xab}, 32)},
			NTSCookie{Cookie: bytes.Repeat([]byte{0x01}, 104)},
			NTSCookiePlaceholder{Length: 104},
		},
		Authenticator: &NTSAuthenticator{
			Nonce:      bytes.Repeat([]byte{0x02}, 16),
			Ciphertext: bytes.Repeat([]byte{0x03}, 16),
		},
	}
}

func TestDecodeRequest(t *testing.T) {
	p, err := Decode(ntpRequestBytes)
	require.NoError(t, err)
	require.Equal(t, ntpRequest, p)
	require.Equal(t, "client", p.Mode.String())
	require.False(t, p.Leap.IsSynchronized())
}

func TestDecodeResponse(t *testing.T) {
	p, err := Decode(ntpResponseBytes)
	require.NoError(t, err)
	require.Equal(t, ntpResponse, p)
	require.Equal(t, "FB  ", p.ReferenceID.String())
}

func TestEncodeRequest(t *testing.T) {
	b, err := ntpRequest.Encode()
	require.NoError(t, err)
	require.Equal(t, ntpRequestBytes, b)
}

func TestEncodeResponse(t *testing.T) {
	b, err := ntpResponse.Encode()
	require.NoError(t, err)
	require.Equal(t, ntpResponseBytes, b)
	require.Equal(t, HeaderSizeBytes, ntpResponse.Len())
}

func TestRoundTripNTS(t *testing.T) {
	p := ntsRequest()
	b, err := p.Encode()
	require.NoError(t, err)
	require.Equal(t, p.Len(), len(b))

	decoded, err := Decode(b)
	require.NoError(t, err)
	require.True(t, decoded.AuthenticatorConsumedRemainder)
	require.Equal(t, HeaderSizeBytes+36+108+108, decoded.AuthenticatorOffset)
	decoded.AuthenticatorOffset = 0
	decoded.AuthenticatorConsumedRemainder = false
	require.Equal(t, p, decoded)

	again, err := decoded.Encode()
	require.NoError(t, err)
	require.Equal(t, b, again)
}

func TestRoundTripV5(t *testing.T) {
	p := &Packet{
		Header: Header{
			Leap:           LeapNoWarning,
			Version:        Version5,
			Mode:           ModeServer,
			Stratum:        2,
			Poll:           4,
			Precision:      -20,
			Timescale:      TimescaleTAI,
			Era:            1,
			Flags:          FlagInterleaved,
			RootDelay:      DurationFromSeconds(0.25),
			RootDispersion: DurationFromSeconds(0.125),
			ServerCookie:   0x1122334455667788,
			ClientCookie:   0x8877665544332211,
			ReceiveTime:    NewTimestamp(10, 20),
			TransmitTime:   NewTimestamp(30, 40),
		},
		Extensions: []ExtensionField{
			DraftIdentification{Draft: DraftName},
			ServerInformation{SupportedVersions: 1<<4 | 1<<5},
			ReferenceIDRequest{Offset: 8, Length: 12},
			ReferenceIDResponse{Data: []byte{1, 2, 3, 4}},
			Padding{Length: 8},
			UnknownExtension{FieldType: 0xF5AA, Body: []byte{9, 9, 9, 9}},
		},
	}
	b, err := p.Encode()
	require.NoError(t, err)
	decoded, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, p, decoded)
}

func TestV5TypesAreUnknownInV4(t *testing.T) {
	p := &Packet{
		Header:     Header{Version: Version4, Mode: ModeClient},
		Extensions: []ExtensionField{DraftIdentification{Draft: "abcd"}, Padding{Length: 28}},
	}
	b, err := p.Encode()
	require.NoError(t, err)
	decoded, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, []ExtensionField{
		UnknownExtension{FieldType: ExtV5DraftIdentification, Body: []byte("abcd")},
		UnknownExtension{FieldType: ExtV5Padding, Body: make([]byte, 28)},
	}, decoded.Extensions)
}

func TestDecodeTrailerAfterAuthenticator(t *testing.T) {
	b, err := ntsRequest().Encode()
	require.NoError(t, err)
	b = append(b, 0xde, 0xad, 0xbe, 0xef)
	p, err := Decode(b)
	require.NoError(t, err)
	require.False(t, p.AuthenticatorConsumedRemainder)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, p.Trailer)
	again, err := p.Encode()
	require.NoError(t, err)
	require.Equal(t, b, again)
}

func TestDecodeLegacyMAC(t *testing.T) {
	b := append(append([]byte{}, ntpRequestBytes...), make([]byte, 20)...)
	p, err := Decode(b)
	require.NoError(t, err)
	require.Empty(t, p.Extensions)
	require.Len(t, p.Trailer, 20)
}

func TestEncodeRejectsLayoutsThatDoNotRoundTrip(t *testing.T) {
	v4 := Header{Version: Version4, Mode: ModeClient}
	v5 := Header{Version: Version5, Mode: ModeClient}
	tests := []struct {
		name string
		in   *Packet
		want error
	}{
		{"cookie read back as MAC", &Packet{Header: v4, Extensions: []ExtensionField{NTSCookie{Cookie: make([]byte, 16)}}}, ErrAmbiguousLayout},
		{"last of two read back as MAC", &Packet{Header: v4, Extensions: []ExtensionField{
			UniqueIdentifier{ID: make([]byte, 32)},
			NTSCookie{Cookie: make([]byte, 20)},
		}}, ErrAmbiguousLayout},
		{"extension before MAC", &Packet{Header: v4, Extensions: []ExtensionField{UnknownExtension{FieldType: 0x2000}}, Trailer: make([]byte, 20)}, ErrAmbiguousLayout},
		{"trailer without authenticator", &Packet{Header: v4, Trailer: make([]byte, 8)}, ErrAmbiguousLayout},
		{"v5 trailer without authenticator", &Packet{Header: v5, Trailer: make([]byte, 20)}, ErrAmbiguousLayout},
		{"unaligned unique id", &Packet{Header: v4, Extensions: []ExtensionField{UniqueIdentifier{ID: make([]byte, 33)}}}, ErrUnalignedExtension},
		{"unaligned cookie", &Packet{Header: v4, Extensions: []ExtensionField{NTSCookie{Cookie: make([]byte, 102)}}}, ErrUnalignedExtension},
		{"unaligned reference id response", &Packet{Header: v5, Extensions: []ExtensionField{ReferenceIDResponse{Data: []byte{1, 2, 3}}}}, ErrUnalignedExtension},
		{"unaligned unknown", &Packet{Header: v5, Extensions: []ExtensionField{UnknownExtension{FieldType: 0xF5AA, Body: []byte{1}}}}, ErrUnalignedExtension},
		{"unaligned authenticator padding", &Packet{Header: v4, Authenticator: &NTSAuthenticator{Nonce: make([]byte, 16), AdditionalPadding: 2}}, ErrUnalignedExtension},
		{"negative placeholder", &Packet{Header: v4, Extensions: []ExtensionField{NTSCookiePlaceholder{Length: -4}}}, ErrUnalignedExtension},
		{"negative reference id request", &Packet{Header: v5, Extensions: []ExtensionField{ReferenceIDRequest{Length: -4}}}, ErrUnalignedExtension},
		{"draft with trailing zero", &Packet{Header: v5, Extensions: []ExtensionField{DraftIdentification{Draft: "abc\x00"}}}, ErrUnalignedExtension},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.in.Encode()
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestEncodeAcceptedLayoutsRoundTrip(t *testing.T) {
	v4 := Header{Version: Version4, Mode: ModeClient}
	tests := []struct {
		name string
		in   *Packet
	}{
		{"28 byte last field", &Packet{Header: v4, Extensions: []ExtensionField{NTSCookie{Cookie: make([]byte, 24)}}}},
		{"extensions and MAC", &Packet{Header: v4, Extensions: []ExtensionField{UniqueIdentifier{ID: make([]byte, 32)}}, Trailer: make([]byte, 24)}},
		{"MAC only", &Packet{Header: v4, Trailer: make([]byte, 20)}},
		{"authenticator padding and trailer", &Packet{Header: v4, Authenticator: &NTSAuthenticator{Nonce: make([]byte, 16), Ciphertext: make([]byte, 16), AdditionalPadding: 8}, AuthenticatorOffset: HeaderSizeBytes, Trailer: []byte{1, 2, 3, 4}}},
		{"unaligned draft name", &Packet{Header: Header{Version: Version5, Mode: ModeClient}, Extensions: []ExtensionField{DraftIdentification{Draft: "abc"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.in.Encode()
			require.NoError(t, err)
			decoded, err := Decode(b)
			require.NoError(t, err)
			require.Equal(t, tt.in, decoded)
		})
	}
}

func TestDecodeControlModeKeepsPayload(t *testing.T) {
	b := make([]byte, HeaderSizeBytes+6)
	b[0] = byte(Version4)<<3 | byte(ModeControl)
	p, err := Decode(b)
	require.NoError(t, err)
	require.False(t, p.AllowsExtensions())
	require.Len(t, p.Trailer, 6)

	p.Extensions = []ExtensionField{Padding{Length: 4}}
	_, err = p.Encode()
	require.ErrorIs(t, err, ErrExtensionsNotAllowed)
}

func TestDecodeErrors(t *testing.T) {
	field := func(typ, length uint16, body ...byte) []byte {
		b := append([]byte{}, ntpRequestBytes...)
		b = append(b, byte(typ>>8), byte(typ), byte(length>>8), byte(length))
		return append(b, body...)
	}
	zeros := make([]byte, 32)
	// nonce length 16, ciphertext length 64 in a 32 byte body
	shortAuth := append([]byte{0, 16, 0, 64}, make([]byte, 28)...)
	badVersion := append([]byte{}, ntpRequestBytes...)
	badVersion[0] = 7 << 3

	tests := []struct {
		name string
		in   []byte
		kind DecodeErrorKind
	}{
		{"empty", nil, Truncated},
		{"short header", ntpRequestBytes[:47], Truncated},
		{"bad version", badVersion, BadVersion},
		{"truncated extension header", append(append([]byte{}, ntpRequestBytes...), 1, 4), Truncated},
		{"zero length", field(0x0104, 0, zeros...), BadExtensionLength},
		{"misaligned", field(0x0104, 34, zeros...), Misaligned},
		{"oversized", field(0x0104, 64, zeros...), BadExtensionLength},
		{"short authenticator", field(0x0404, 36, shortAuth...), BadField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.in)
			require.Nil(t, p)
			var de *DecodeError
			require.True(t, errors.As(err, &de))
			require.Equal(t, tt.kind, de.Kind)
			require.ErrorIs(t, err, &DecodeError{Kind: tt.kind})
		})
	}
}

func TestDecodeTruncations(t *testing.T) {
	b, err := ntsRequest().Encode()
	require.NoError(t, err)
	for i := 0; i < len(b); i++ {
		require.NotPanics(t, func() {
			_, _ = Decode(b[:i])
		})
	}
}

func TestDecodeExtensions(t *testing.T) {
	fields := []ExtensionField{
		NTSCookie{Cookie: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
		NTSCookie{Cookie: []byte{8, 7, 6, 5}},
	}
	b, err := AppendExtensions(nil, fields)
	require.NoError(t, err)
	got, err := DecodeExtensions(b, Version4)
	require.NoError(t, err)
	require.Equal(t, fields, got)

	_, err = DecodeExtensions(b[:len(b)-1], Version4)
	require.Error(t, err)
}

func TestHeaderHelpers(t *testing.T) {
	h := Header{Version: Version4, Mode: ModeServer, Stratum: 0, ReferenceID: KissNTSN}
	require.True(t, h.IsKiss())
	require.True(t, h.IsAuthNAK())
	require.Equal(t, "NTSN", h.ReferenceID.String())

	h5 := Header{Version: Version5, Mode: ModeServer, Flags: FlagAuthNAK}
	require.False(t, h5.IsKiss())
	require.True(t, h5.IsAuthNAK())

	up := Header{Version: Version4, Mode: ModeClient, ReferenceTime: UpgradeTimestamp}
	require.True(t, up.WantsUpgrade())
	require.Equal(t, "127.0.0.1", ReferenceID(0x7f000001).String())
}

func TestMarshalBinaryTo(t *testing.T) {
	buf := make([]byte, 10)
	_, err := ntpResponse.MarshalBinaryTo(buf)
	require.ErrorIs(t, err, ErrBufferTooSmall)

	buf = make([]byte, 100)
	n, err := ntpResponse.MarshalBinaryTo(buf)
	require.NoError(t, err)
	require.Equal(t, ntpResponseBytes, buf[:n])

	p := &Packet{}
	require.NoError(t, p.UnmarshalBinary(buf[:n]))
	require.Equal(t, ntpResponse, p)
}

func FuzzDecode(f *testing.F) {
	f.Add(ntpRequestBytes)
	f.Add(ntpResponseBytes)
	if b, err := ntsRequest().Encode(); err == nil {
		f.Add(b)
	}
	// a short v4 field and an unaligned body, neither may come back altered
	f.Add(append(append([]byte{}, ntpRequestBytes...), 0x02, 0x04, 0x00, 0x14, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16))
	f.Add(append(append([]byte{}, ntpRequestBytes...), 0x01, 0x04, 0x00, 0x08, 1, 2, 3, 0))
	f.Fuzz(func(t *testing.T, b []byte) {
		p, err := Decode(b)
		if err != nil {
			return
		}
		out, err := p.Encode()
		require.NoError(t, err, "decoded packets must encode")
		again, err := Decode(out)
		require.NoError(t, err, "re-decoding encoded packet failed")
		// draft names lose their padding, which moves the authenticator
		p.AuthenticatorOffset, again.AuthenticatorOffset = 0, 0
		require.Equal(t, p, again)

		for _, e := range p.Extensions {
			single := &Packet{Header: p.Header, Extensions: []ExtensionField{e}}
			enc, err := single.Encode()
			if err != nil {
				require.True(t, errors.Is(err, ErrAmbiguousLayout) || errors.Is(err, ErrUnalignedExtension))
				continue
			}
			dec, err := Decode(enc)
			require.NoError(t, err)
			require.Equal(t, single, dec)
		}
	})
}

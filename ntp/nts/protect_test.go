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

package nts

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
)

func clientRequest(t *testing.T, ks *KeySet, session CookieData, placeholders int) ([]byte, []byte) {
	cookie, err := ks.IssueCookie(session)
	require.NoError(t, err)
	c2s, err := session.Algorithm.NewAEAD(session.C2S)
	require.NoError(t, err)
	id := bytes.Repeat([]byte{0x42}, UniqueIDSize)
	req := &protocol.Packet{Header: protocol.Header{Version: protocol.Version4, Mode: protocol.ModeClient, TransmitTime: 12345}}
	raw, err := SealRequest(req, id, cookie, placeholders, c2s, rand.Reader)
	require.NoError(t, err)
	return raw, id
}

func TestNTSExchange(t *testing.T) {
	ks, err := NewKeySet(Options{})
	require.NoError(t, err)
	session := testSession(AESSIVCMAC256)
	raw, id := clientRequest(t, ks, session, 2)

	// server side
	p, err := protocol.Decode(raw)
	require.NoError(t, err)
	require.True(t, p.AuthenticatorConsumedRemainder)
	req, err := ks.OpenRequest(p, raw)
	require.NoError(t, err)
	require.Equal(t, id, req.UniqueID)
	require.Equal(t, 3, req.Cookies)
	require.Equal(t, session, req.Session)

	resp := &protocol.Packet{Header: protocol.Header{Version: protocol.Version4, Mode: protocol.ModeServer, Stratum: 1, OriginTime: 12345}}
	respRaw, err := ks.SealResponse(resp, req, rand.Reader)
	require.NoError(t, err)

	// client side
	rp, err := protocol.Decode(respRaw)
	require.NoError(t, err)
	s2c, err := session.Algorithm.NewAEAD(session.S2C)
	require.NoError(t, err)
	cookies, err := OpenResponse(rp, respRaw, id, s2c)
	require.NoError(t, err)
	require.Len(t, cookies, 3)
	for _, c := range cookies {
		got, err := ks.DecryptCookie(c)
		require.NoError(t, err)
		require.Equal(t, session, got)
	}

	// wrong identifier
	_, err = OpenResponse(rp, respRaw, bytes.Repeat([]byte{0x43}, UniqueIDSize), s2c)
	require.ErrorIs(t, err, ErrUniqueIDMismatch)
	// wrong direction key
	c2s, err := session.Algorithm.NewAEAD(session.C2S)
	require.NoError(t, err)
	_, err = OpenResponse(rp, respRaw, id, c2s)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestOpenRequestCountsMatchingPlaceholders(t *testing.T) {
	ks, err := NewKeySet(Options{})
	require.NoError(t, err)
	session := testSession(AESSIVCMAC256)
	cookie, err := ks.IssueCookie(session)
	require.NoError(t, err)
	c2s, err := session.Algorithm.NewAEAD(session.C2S)
	require.NoError(t, err)

	// short placeholders ahead of the cookie do not earn extra cookies
	req := &protocol.Packet{
		Header: protocol.Header{Version: protocol.Version4, Mode: protocol.ModeClient},
		Extensions: []protocol.ExtensionField{
			protocol.NTSCookiePlaceholder{Length: 4},
			protocol.NTSCookiePlaceholder{Length: 4},
			protocol.NTSCookiePlaceholder{Length: len(cookie) + 4},
		},
	}
	raw, err := SealRequest(req, bytes.Repeat([]byte{0x42}, UniqueIDSize), cookie, 1, c2s, rand.Reader)
	require.NoError(t, err)
	p, err := protocol.Decode(raw)
	require.NoError(t, err)
	opened, err := ks.OpenRequest(p, raw)
	require.NoError(t, err)
	require.Equal(t, 2, opened.Cookies)
}

func TestOpenRequestTampered(t *testing.T) {
	ks, err := NewKeySet(Options{})
	require.NoError(t, err)
	raw, _ := clientRequest(t, ks, testSession(AES128GCMSIV), 0)

	// flip a header byte covered by the authenticator
	bad := append([]byte{}, raw...)
	bad[40] ^= 0x01
	p, err := protocol.Decode(bad)
	require.NoError(t, err)
	_, err = ks.OpenRequest(p, bad)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestOpenRequestInvalidCookie(t *testing.T) {
	ks, err := NewKeySet(Options{MaxKeys: 1})
	require.NoError(t, err)
	raw, _ := clientRequest(t, ks, testSession(AESSIVCMAC512), 1)
	require.NoError(t, ks.Rotate())

	p, err := protocol.Decode(raw)
	require.NoError(t, err)
	_, err = ks.OpenRequest(p, raw)
	require.ErrorIs(t, err, ErrInvalidCookie)

	resp := &protocol.Packet{Header: protocol.Header{Version: protocol.Version4, Mode: protocol.ModeServer, Stratum: 1}}
	nak, err := NAK(resp, p)
	require.NoError(t, err)
	np, err := protocol.Decode(nak)
	require.NoError(t, err)
	require.True(t, np.IsAuthNAK())
	require.Nil(t, np.Authenticator)
	f, ok := np.Extension(protocol.ExtUniqueIdentifier)
	require.True(t, ok)
	require.Len(t, f.(protocol.UniqueIdentifier).ID, UniqueIDSize)
}

func TestNAKv5(t *testing.T) {
	req := &protocol.Packet{Header: protocol.Header{Version: protocol.Version5, Mode: protocol.ModeClient}}
	resp := &protocol.Packet{Header: protocol.Header{Version: protocol.Version5, Mode: protocol.ModeServer, Stratum: 1}}
	b, err := NAK(resp, req)
	require.NoError(t, err)
	p, err := protocol.Decode(b)
	require.NoError(t, err)
	require.True(t, p.IsAuthNAK())
	require.Empty(t, p.Extensions)
}

func TestOpenRequestMissingFields(t *testing.T) {
	ks, err := NewKeySet(Options{})
	require.NoError(t, err)

	noID := &protocol.Packet{Header: protocol.Header{Version: protocol.Version4, Mode: protocol.ModeClient}}
	_, err = ks.OpenRequest(noID, nil)
	require.ErrorIs(t, err, ErrMissingUniqueID)

	noCookie := &protocol.Packet{
		Header:     protocol.Header{Version: protocol.Version4, Mode: protocol.ModeClient},
		Extensions: []protocol.ExtensionField{protocol.UniqueIdentifier{ID: make([]byte, UniqueIDSize)}},
	}
	_, err = ks.OpenRequest(noCookie, nil)
	require.ErrorIs(t, err, ErrNoCookie)
}

func TestOpenWithoutAuthenticator(t *testing.T) {
	aead, err := AESSIVCMAC256.NewAEAD(make([]byte, 32))
	require.NoError(t, err)
	p := &protocol.Packet{Header: protocol.Header{Version: protocol.Version4, Mode: protocol.ModeServer}}
	_, err = Open(p, nil, aead)
	require.ErrorIs(t, err, ErrAuthentication)
}

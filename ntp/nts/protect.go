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
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
)

// UniqueIDSize is the size of the unique identifiers we send (RFC 8915 requires at least 32)
const UniqueIDSize = 32

// MaxPlaceholders bounds the cookies a single request can ask for
const MaxPlaceholders = 7

// Seal protects p: encrypted is encrypted into a new authenticator field
// that authenticates everything before it. Any previous authenticator and
// trailer are dropped. Returns the wire bytes.
func Seal(p *protocol.Packet, aead cipher.AEAD, encrypted []protocol.ExtensionField, rnd io.Reader) ([]byte, error) {
	p.Authenticator = nil
	p.Trailer = nil
	aad, err := p.Encode()
	if err != nil {
		return nil, err
	}
	plaintext, err := protocol.AppendExtensions(nil, encrypted)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, err
	}
	p.Authenticator = &protocol.NTSAuthenticator{
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plaintext, aad),
	}
	return p.Encode()
}

// Open verifies the authenticator of a packet decoded from raw and returns
// the decrypted extension fields. Failure always yields ErrAuthentication.
func Open(p *protocol.Packet, raw []byte, aead cipher.AEAD) ([]protocol.ExtensionField, error) {
	if p.Authenticator == nil || p.AuthenticatorOffset > len(raw) || p.AuthenticatorOffset < protocol.HeaderSizeBytes {
		return nil, ErrAuthentication
	}
	if len(p.Authenticator.Nonce) != aead.NonceSize() {
		return nil, ErrAuthentication
	}
	aad := append([]byte{}, raw[:p.AuthenticatorOffset]...)
	nonce := append([]byte{}, p.Authenticator.Nonce...)
	ct := append([]byte{}, p.Authenticator.Ciphertext...)
	plaintext, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	fields, err := protocol.DecodeExtensions(plaintext, p.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: encrypted fields: %v", ErrAuthentication, err)
	}
	return fields, nil
}

func uniqueID(p *protocol.Packet) ([]byte, error) {
	f, ok := p.Extension(protocol.ExtUniqueIdentifier)
	if !ok {
		return nil, ErrMissingUniqueID
	}
	id := f.(protocol.UniqueIdentifier).ID
	if len(id) < UniqueIDSize {
		return nil, ErrMissingUniqueID
	}
	return id, nil
}

// Request is an authenticated client request as seen by the server
type Request struct {
	UniqueID []byte
	Session  CookieData
	// Cookies is the number of cookies to send back: one for the consumed
	// cookie plus one per placeholder
	Cookies int
	// Encrypted holds the fields the client sent inside the authenticator
	Encrypted []protocol.ExtensionField
}

// OpenRequest authenticates a client request decoded from raw. The cookie is
// decrypted with the keyset and its C2S key verifies the packet.
// ErrInvalidCookie means the caller should answer with a NAK.
func (ks *KeySet) OpenRequest(p *protocol.Packet, raw []byte) (*Request, error) {
	id, err := uniqueID(p)
	if err != nil {
		return nil, err
	}
	var cookie []byte
	cookies := 0
	for _, f := range p.Extensions {
		if e, ok := f.(protocol.NTSCookie); ok {
			cookie = e.Cookie
			cookies++
		}
	}
	if cookies != 1 {
		return nil, ErrNoCookie
	}
	session, err := ks.DecryptCookie(cookie)
	if err != nil {
		return nil, err
	}
	aead, err := session.Algorithm.NewAEAD(session.C2S)
	if err != nil {
		return nil, ErrInvalidCookie
	}
	encrypted, err := Open(p, raw, aead)
	if err != nil {
		return nil, err
	}
	// placeholders only count when they are as long as the cookie they stand for
	placeholders := countPlaceholders(p.Extensions, len(cookie)) + countPlaceholders(encrypted, len(cookie))
	if placeholders > MaxPlaceholders {
		placeholders = MaxPlaceholders
	}
	return &Request{UniqueID: id, Session: session, Cookies: 1 + placeholders, Encrypted: encrypted}, nil
}

func countPlaceholders(fields []protocol.ExtensionField, size int) int {
	n := 0
	for _, f := range fields {
		if e, ok := f.(protocol.NTSCookiePlaceholder); ok && e.Length == size {
			n++
		}
	}
	return n
}

// SealResponse appends the echoed unique identifier to resp, adds fresh
// cookies encrypted under the session's S2C key and returns the wire bytes.
func (ks *KeySet) SealResponse(resp *protocol.Packet, req *Request, rnd io.Reader) ([]byte, error) {
	aead, err := req.Session.Algorithm.NewAEAD(req.Session.S2C)
	if err != nil {
		return nil, err
	}
	fresh := make([]protocol.ExtensionField, 0, req.Cookies)
	for i := 0; i < req.Cookies; i++ {
		c, err := ks.IssueCookie(req.Session)
		if err != nil {
			return nil, err
		}
		fresh = append(fresh, protocol.NTSCookie{Cookie: c})
	}
	resp.Extensions = append(resp.Extensions, protocol.UniqueIdentifier{ID: req.UniqueID})
	return Seal(resp, aead, fresh, rnd)
}

// NAK turns resp into an NTS negative acknowledgement for a request whose
// cookie could not be used. Only the unique identifier is echoed.
func NAK(resp *protocol.Packet, req *protocol.Packet) ([]byte, error) {
	resp.Extensions = resp.Extensions[:0]
	resp.Authenticator = nil
	resp.Trailer = nil
	if id, err := uniqueID(req); err == nil {
		resp.Extensions = append(resp.Extensions, protocol.UniqueIdentifier{ID: id})
	}
	if resp.Version == protocol.Version5 {
		resp.Flags |= protocol.FlagAuthNAK
	} else {
		resp.Stratum = 0
		resp.ReferenceID = protocol.KissNTSN
	}
	return resp.Encode()
}

// SealRequest builds a client request carrying cookie and placeholders
// asking for more, protected with the C2S cipher. The NTS fields follow any
// extension fields already in p.
func SealRequest(p *protocol.Packet, id []byte, cookie []byte, placeholders int, c2s cipher.AEAD, rnd io.Reader) ([]byte, error) {
	p.Extensions = append(p.Extensions,
		protocol.UniqueIdentifier{ID: id},
		protocol.NTSCookie{Cookie: cookie},
	)
	for i := 0; i < placeholders; i++ {
		p.Extensions = append(p.Extensions, protocol.NTSCookiePlaceholder{Length: len(cookie)})
	}
	return Seal(p, c2s, nil, rnd)
}

// OpenResponse verifies a server response decoded from raw against the
// request identifier and returns the fresh cookies it carries.
func OpenResponse(p *protocol.Packet, raw []byte, id []byte, s2c cipher.AEAD) ([][]byte, error) {
	got, err := uniqueID(p)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(got, id) {
		return nil, ErrUniqueIDMismatch
	}
	fields, err := Open(p, raw, s2c)
	if err != nil {
		return nil, err
	}
	var cookies [][]byte
	for _, f := range fields {
		if c, ok := f.(protocol.NTSCookie); ok {
			cookies = append(cookies, c.Cookie)
		}
	}
	return cookies, nil
}

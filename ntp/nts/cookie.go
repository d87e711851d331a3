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
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
)

// cookieKeyIDSize is the size of the key id prefix of every cookie
const cookieKeyIDSize = 4

// CookieData is the session state a cookie carries: the negotiated
// algorithm and both directional keys.
type CookieData struct {
	Algorithm AlgorithmID
	C2S       []byte
	S2C       []byte
}

// Equal compares in constant time
func (d CookieData) Equal(o CookieData) bool {
	return d.Algorithm == o.Algorithm &&
		subtle.ConstantTimeCompare(d.C2S, o.C2S) == 1 &&
		subtle.ConstantTimeCompare(d.S2C, o.S2C) == 1
}

func (d CookieData) plaintext() ([]byte, error) {
	ks := d.Algorithm.KeySize()
	if ks == 0 || len(d.C2S) != ks || len(d.S2C) != ks {
		return nil, fmt.Errorf("%w: %s with keys of %d and %d bytes", ErrUnsupportedAlgorithm, d.Algorithm, len(d.C2S), len(d.S2C))
	}
	// algorithm, two reserved bytes to keep the cookie 4 byte aligned, keys
	b := make([]byte, 4, 4+2*ks)
	binary.BigEndian.PutUint16(b, uint16(d.Algorithm))
	b = append(b, d.C2S...)
	return append(b, d.S2C...), nil
}

func parseCookieData(b []byte) (CookieData, bool) {
	if len(b) < 4 {
		return CookieData{}, false
	}
	alg := AlgorithmID(binary.BigEndian.Uint16(b))
	ks := alg.KeySize()
	if ks == 0 || len(b) != 4+2*ks {
		return CookieData{}, false
	}
	return CookieData{
		Algorithm: alg,
		C2S:       append([]byte{}, b[4:4+ks]...),
		S2C:       append([]byte{}, b[4+ks:]...),
	}, true
}

// Cookie is an opaque encrypted CookieData: key id, nonce, ciphertext
type Cookie []byte

// KeyID returns the id of the key the cookie claims to be encrypted with
func (c Cookie) KeyID() (uint32, bool) {
	if len(c) < cookieKeyIDSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(c), true
}

// IssueCookie encrypts the session state under the newest key
func (ks *KeySet) IssueCookie(data CookieData) (Cookie, error) {
	pt, err := data.plaintext()
	if err != nil {
		return nil, err
	}
	id, key := ks.current()
	aead, err := cookieAlgorithm.NewAEAD(key)
	if err != nil {
		return nil, err
	}
	cookie := make([]byte, cookieKeyIDSize+aead.NonceSize(), cookieKeyIDSize+aead.NonceSize()+len(pt)+aead.Overhead())
	binary.BigEndian.PutUint32(cookie, id)
	nonce := cookie[cookieKeyIDSize:]
	if _, err := io.ReadFull(ks.rand, nonce); err != nil {
		return nil, err
	}
	aad := append([]byte{}, cookie[:cookieKeyIDSize]...)
	return aead.Seal(cookie, append([]byte{}, nonce...), pt, aad), nil
}

// DecryptCookie recovers the session state. It never mutates the keyset and
// returns ErrInvalidCookie for every failure.
func (ks *KeySet) DecryptCookie(c Cookie) (CookieData, error) {
	id, ok := c.KeyID()
	if !ok {
		return CookieData{}, ErrInvalidCookie
	}
	key, known := ks.lookup(id)
	if !known {
		key = ks.dummy
	}
	aead, err := cookieAlgorithm.NewAEAD(key)
	if err != nil {
		return CookieData{}, ErrInvalidCookie
	}
	ns := aead.NonceSize()
	if len(c) < cookieKeyIDSize+ns+aead.Overhead() {
		return CookieData{}, ErrInvalidCookie
	}
	// fresh buffers, the cipher does not like arbitrary slices of the packet
	aad := append([]byte{}, c[:cookieKeyIDSize]...)
	nonce := append([]byte{}, c[cookieKeyIDSize:cookieKeyIDSize+ns]...)
	ct := append([]byte{}, c[cookieKeyIDSize+ns:]...)
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil || !known {
		return CookieData{}, ErrInvalidCookie
	}
	data, ok := parseCookieData(pt)
	if !ok {
		return CookieData{}, ErrInvalidCookie
	}
	return data, nil
}

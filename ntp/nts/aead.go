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
Package nts implements the Network Time Security (RFC 8915) pieces that live
next to the NTP packet: the server cookie keyset, cookie encryption and the
Authenticator and Encrypted Extension Fields protection of NTP packets.
*/
package nts

import (
	"crypto/cipher"
	"fmt"

	siv "github.com/secure-io/siv-go"
)

// AlgorithmID is an AEAD algorithm number from the IANA AEAD registry
type AlgorithmID uint16

// Supported AEAD algorithms
const (
	AESSIVCMAC256 AlgorithmID = 15
	AESSIVCMAC512 AlgorithmID = 17
	AES128GCMSIV  AlgorithmID = 30
)

// SupportedAlgorithms lists algorithms in order of preference
var SupportedAlgorithms = []AlgorithmID{AESSIVCMAC512, AESSIVCMAC256, AES128GCMSIV}

var algorithmToString = map[AlgorithmID]string{
	AESSIVCMAC256: "AEAD_AES_SIV_CMAC_256",
	AESSIVCMAC512: "AEAD_AES_SIV_CMAC_512",
	AES128GCMSIV:  "AEAD_AES_128_GCM_SIV",
}

func (a AlgorithmID) String() string {
	if s, ok := algorithmToString[a]; ok {
		return s
	}
	return fmt.Sprintf("AEAD(%d)", uint16(a))
}

// Supported reports whether the algorithm is implemented
func (a AlgorithmID) Supported() bool {
	return a.KeySize() > 0
}

// KeySize returns the key length in bytes, 0 for unsupported algorithms
func (a AlgorithmID) KeySize() int {
	switch a {
	case AESSIVCMAC256:
		return 32
	case AESSIVCMAC512:
		return 64
	case AES128GCMSIV:
		return 16
	}
	return 0
}

// NewAEAD returns a cipher for the algorithm keyed with a copy of key
func (a AlgorithmID) NewAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != a.KeySize() || !a.Supported() {
		return nil, fmt.Errorf("%w: %s with %d byte key", ErrUnsupportedAlgorithm, a, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	switch a {
	case AESSIVCMAC256, AESSIVCMAC512:
		return siv.NewCMAC(k)
	default:
		return siv.NewGCM(k)
	}
}

// ParseAlgorithm maps a configuration name to an algorithm
func ParseAlgorithm(name string) (AlgorithmID, error) {
	for id, s := range algorithmToString {
		if s == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
}

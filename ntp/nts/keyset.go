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
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// cookieAlgorithm encrypts cookies. It is deterministic and nonce misuse resistant.
const cookieAlgorithm = AESSIVCMAC512

// DefaultMaxKeys is the default number of retained keys
const DefaultMaxKeys = 3

// hkdfInfo labels keys derived from a shared secret
const hkdfInfo = "ntpd-rs cookie key "

// keysetFormat is the version byte of the persisted keyset
const keysetFormat = 1

// Options configure a KeySet
type Options struct {
	// MaxKeys is the number of keys retained for decryption, newest included
	MaxKeys int
	// Secret, when set, derives every key from it and the key id so that
	// servers sharing the secret and rotation schedule issue compatible cookies
	Secret []byte
	// Rand is the entropy source, crypto/rand by default
	Rand io.Reader
}

// KeySet is a ring of cookie keys indexed by a generation counter.
// The key with id n lives in slot n mod MaxKeys; ids between oldest and
// newest inclusive are valid. There is always at least one valid key.
type KeySet struct {
	mu     sync.RWMutex
	keys   [][]byte
	oldest uint32
	newest uint32

	secret []byte
	rand   io.Reader
	// dummy is used to decrypt cookies with unknown ids so both failure paths cost the same
	dummy []byte
}

// NewKeySet creates a keyset holding one freshly generated key
func NewKeySet(opts Options) (*KeySet, error) {
	if opts.MaxKeys <= 0 {
		opts.MaxKeys = DefaultMaxKeys
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	ks := &KeySet{
		keys:   make([][]byte, opts.MaxKeys),
		secret: opts.Secret,
		rand:   opts.Rand,
		dummy:  make([]byte, cookieAlgorithm.KeySize()),
	}
	if _, err := io.ReadFull(ks.rand, ks.dummy); err != nil {
		return nil, err
	}
	key, err := ks.generate(0)
	if err != nil {
		return nil, err
	}
	ks.keys[0] = key
	return ks, nil
}

func (ks *KeySet) generate(id uint32) ([]byte, error) {
	key := make([]byte, cookieAlgorithm.KeySize())
	var r io.Reader = ks.rand
	if len(ks.secret) > 0 {
		info := binary.BigEndian.AppendUint32([]byte(hkdfInfo), id)
		r = hkdf.New(sha256.New, ks.secret, nil, info)
	}
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("generating cookie key %d: %w", id, err)
	}
	return key, nil
}

func (ks *KeySet) slot(id uint32) int {
	return int(id % uint32(len(ks.keys)))
}

// valid must be called with the lock held
func (ks *KeySet) valid(id uint32) bool {
	return id-ks.oldest <= ks.newest-ks.oldest
}

// Rotate makes a new key current. When the ring is full the oldest key is
// evicted in the same step, so readers never see an empty or gapped keyset.
func (ks *KeySet) Rotate() error {
	ks.mu.RLock()
	next := ks.newest + 1
	ks.mu.RUnlock()
	key, err := ks.generate(next)
	if err != nil {
		return err
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if ks.newest+1 != next {
		// someone else rotated meanwhile, derive again for the right id
		next = ks.newest + 1
		if key, err = ks.generate(next); err != nil {
			return err
		}
	}
	if next-ks.oldest >= uint32(len(ks.keys)) {
		ks.oldest++
	}
	ks.keys[ks.slot(next)] = key
	ks.newest = next
	log.Debugf("[keyset] rotated, valid key ids %d..%d", ks.oldest, ks.newest)
	return nil
}

// current returns a copy of the newest key and its id
func (ks *KeySet) current() (uint32, []byte) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.newest, append([]byte{}, ks.keys[ks.slot(ks.newest)]...)
}

// lookup returns a copy of the key with the given id
func (ks *KeySet) lookup(id uint32) ([]byte, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if !ks.valid(id) {
		return nil, false
	}
	return append([]byte{}, ks.keys[ks.slot(id)]...), true
}

// Range returns the ids of the oldest and newest valid keys
func (ks *KeySet) Range() (oldest, newest uint32) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return ks.oldest, ks.newest
}

// MarshalBinary serializes all valid keys so the keyset survives restarts
func (ks *KeySet) MarshalBinary() ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	var b cryptobyte.Builder
	b.AddUint8(keysetFormat)
	b.AddUint32(ks.oldest)
	b.AddUint32(ks.newest)
	for id := ks.oldest; ; id++ {
		key := ks.keys[ks.slot(id)]
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(key)
		})
		if id == ks.newest {
			break
		}
	}
	return b.Bytes()
}

// UnmarshalBinary restores keys written by MarshalBinary. If more keys were
// stored than this keyset retains, only the newest are kept.
func (ks *KeySet) UnmarshalBinary(data []byte) error {
	s := cryptobyte.String(data)
	var format uint8
	var oldest, newest uint32
	if !s.ReadUint8(&format) || format != keysetFormat || !s.ReadUint32(&oldest) || !s.ReadUint32(&newest) {
		return ErrBadKeySet
	}
	count := newest - oldest + 1
	if count == 0 {
		return ErrBadKeySet
	}
	keys := make([][]byte, 0)
	for i := uint32(0); i < count; i++ {
		var key cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&key) || len(key) != cookieAlgorithm.KeySize() {
			return ErrBadKeySet
		}
		keys = append(keys, append([]byte{}, key...))
	}
	if !s.Empty() {
		return ErrBadKeySet
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	if len(keys) > len(ks.keys) {
		drop := len(keys) - len(ks.keys)
		keys = keys[drop:]
		oldest += uint32(drop)
	}
	for i := range ks.keys {
		ks.keys[i] = nil
	}
	for i, key := range keys {
		ks.keys[ks.slot(oldest+uint32(i))] = key
	}
	ks.oldest, ks.newest = oldest, newest
	return nil
}

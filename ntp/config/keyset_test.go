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
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/yonasBSD/ntpd-rs/ntp/nts"
)

func TestKeySetPersistence(t *testing.T) {
	k := KeySetConfig{Path: filepath.Join(t.TempDir(), "keys"), MaxKeys: 3}

	// no file yet
	ks, err := k.LoadKeySet()
	require.NoError(t, err)
	require.NoError(t, ks.Rotate())
	cookie, err := ks.IssueCookie(nts.CookieData{
		Algorithm: nts.AESSIVCMAC256,
		C2S:       make([]byte, 32),
		S2C:       make([]byte, 32),
	})
	require.NoError(t, err)
	require.NoError(t, k.SaveKeySet(ks))

	info, err := os.Stat(k.Path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	restored, err := k.LoadKeySet()
	require.NoError(t, err)
	oldest, newest := restored.Range()
	require.Equal(t, uint32(0), oldest)
	require.Equal(t, uint32(1), newest)
	_, err = restored.DecryptCookie(cookie)
	require.NoError(t, err)
}

func TestKeySetCorrupt(t *testing.T) {
	k := KeySetConfig{Path: filepath.Join(t.TempDir(), "keys"), MaxKeys: 3}
	require.NoError(t, os.WriteFile(k.Path, []byte("garbage"), 0o600))
	_, err := k.LoadKeySet()
	require.ErrorIs(t, err, nts.ErrBadKeySet)
}

func TestKeySetInMemory(t *testing.T) {
	k := KeySetConfig{MaxKeys: 2}
	ks, err := k.LoadKeySet()
	require.NoError(t, err)
	require.NoError(t, k.SaveKeySet(ks))
}

func TestKeySetSharedSecret(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "secret")
	require.NoError(t, os.WriteFile(secret, []byte("correct horse battery staple"), 0o600))
	k := KeySetConfig{MaxKeys: 3, SecretFile: secret}

	a, err := k.LoadKeySet()
	require.NoError(t, err)
	b, err := k.LoadKeySet()
	require.NoError(t, err)
	cookie, err := a.IssueCookie(nts.CookieData{
		Algorithm: nts.AESSIVCMAC256,
		C2S:       make([]byte, 32),
		S2C:       make([]byte, 32),
	})
	require.NoError(t, err)
	_, err = b.DecryptCookie(cookie)
	require.NoError(t, err)

	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	k.SecretFile = empty
	_, err = k.LoadKeySet()
	require.Error(t, err)
}

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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/yonasBSD/ntpd-rs/ntp/nts"
)

// LoadKeySet creates the keyset, restoring the keys persisted at Path when
// the file exists
func (k *KeySetConfig) LoadKeySet() (*nts.KeySet, error) {
	opts, err := k.Options()
	if err != nil {
		return nil, err
	}
	ks, err := nts.NewKeySet(opts)
	if err != nil {
		return nil, err
	}
	if k.Path == "" {
		return ks, nil
	}
	data, err := os.ReadFile(k.Path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Infof("[keyset] %s does not exist, starting with a fresh key", k.Path)
		return ks, nil
	}
	if err != nil {
		return nil, err
	}
	if err := ks.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("restoring keyset from %s: %w", k.Path, err)
	}
	oldest, newest := ks.Range()
	log.Infof("[keyset] restored key ids %d..%d from %s", oldest, newest, k.Path)
	return ks, nil
}

// SaveKeySet writes ks to Path, replacing the previous file atomically.
// Nothing is written without a path.
func (k *KeySetConfig) SaveKeySet(ks *nts.KeySet) error {
	if k.Path == "" {
		return nil
	}
	data, err := ks.MarshalBinary()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(k.Path), filepath.Base(k.Path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), k.Path)
}

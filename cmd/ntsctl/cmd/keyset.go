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
package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/yonasBSD/ntpd-rs/ntp/config"
	"github.com/yonasBSD/ntpd-rs/ntp/nts"
)

var (
	keysetMaxKeysFlag    int
	keysetSecretFileFlag string
	keysetForceFlag      bool
)

func init() {
	RootCmd.AddCommand(keysetCmd)
	keysetCmd.AddCommand(keysetNewCmd)
	keysetCmd.AddCommand(keysetRotateCmd)
	keysetCmd.AddCommand(keysetShowCmd)
	keysetCmd.PersistentFlags().IntVar(&keysetMaxKeysFlag, "max-keys", nts.DefaultMaxKeys, "keys kept for decrypting older cookies")
	keysetCmd.PersistentFlags().StringVar(&keysetSecretFileFlag, "secret-file", "", "secret shared by servers issuing compatible cookies")
	keysetNewCmd.Flags().BoolVarP(&keysetForceFlag, "force", "f", false, "overwrite an existing keyset")
}

func keysetConfig(path string) *config.KeySetConfig {
	return &config.KeySetConfig{
		Path:       path,
		MaxKeys:    keysetMaxKeysFlag,
		SecretFile: keysetSecretFileFlag,
	}
}

func printKeySet(w io.Writer, path string, ks *nts.KeySet) {
	oldest, newest := ks.Range()
	fmt.Fprintf(w, "Path:     %s\n", path)
	fmt.Fprintf(w, "Keys:     %d\n", newest-oldest+1)
	fmt.Fprintf(w, "Oldest:   %d\n", oldest)
	fmt.Fprintf(w, "Current:  %d\n", newest)
}

func keysetNewRun(w io.Writer, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists, use --force to replace it", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	kc := keysetConfig(path)
	opts, err := kc.Options()
	if err != nil {
		return err
	}
	ks, err := nts.NewKeySet(opts)
	if err != nil {
		return err
	}
	if err := kc.SaveKeySet(ks); err != nil {
		return err
	}
	printKeySet(w, path, ks)
	return nil
}

func keysetRotateRun(w io.Writer, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	kc := keysetConfig(path)
	ks, err := kc.LoadKeySet()
	if err != nil {
		return err
	}
	if err := ks.Rotate(); err != nil {
		return err
	}
	if err := kc.SaveKeySet(ks); err != nil {
		return err
	}
	printKeySet(w, path, ks)
	return nil
}

func keysetShowRun(w io.Writer, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	ks, err := keysetConfig(path).LoadKeySet()
	if err != nil {
		return err
	}
	printKeySet(w, path, ks)
	return nil
}

var keysetCmd = &cobra.Command{
	Use:   "keyset",
	Short: "Manage persisted NTS cookie keysets",
}

var keysetNewCmd = &cobra.Command{
	Use:   "new <path>",
	Short: "Generate a new keyset file",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()
		if err := keysetNewRun(os.Stdout, args[0], keysetForceFlag); err != nil {
			log.Fatal(err)
		}
	},
}

var keysetRotateCmd = &cobra.Command{
	Use:   "rotate <path>",
	Short: "Add a new current key to a keyset file, retiring the oldest beyond --max-keys",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()
		if err := keysetRotateRun(os.Stdout, args[0]); err != nil {
			log.Fatal(err)
		}
	},
}

var keysetShowCmd = &cobra.Command{
	Use:   "show <path>",
	Short: "Print the key ids held in a keyset file",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()
		if err := keysetShowRun(os.Stdout, args[0]); err != nil {
			log.Fatal(err)
		}
	},
}

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
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
)

func init() {
	RootCmd.AddCommand(decodeCmd)
}

// decodeRun dumps the packet hex encoded in input, whitespace is ignored
func decodeRun(w io.Writer, input string) error {
	raw, err := hex.DecodeString(strings.Join(strings.Fields(input), ""))
	if err != nil {
		return fmt.Errorf("parsing hex: %w", err)
	}
	p, err := protocol.Decode(raw)
	if err != nil {
		return err
	}
	cfg := spew.ConfigState{Indent: "  ", DisablePointerAddresses: true}
	fmt.Fprintf(w, "%d bytes, NTPv%d %s\n", len(raw), p.Version, p.Mode)
	cfg.Fdump(w, p)
	return nil
}

var decodeCmd = &cobra.Command{
	Use:   "decode [hex]",
	Short: "Decode a hex encoded NTP packet, read from stdin without an argument",
	Args:  cobra.MaximumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()
		var input string
		if len(args) == 1 {
			input = args[0]
		} else {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				log.Fatal(err)
			}
			input = string(b)
		}
		if err := decodeRun(os.Stdout, input); err != nil {
			log.Fatal(err)
		}
	},
}

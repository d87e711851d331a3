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
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/yonasBSD/ntpd-rs/ntp/config"
	"github.com/yonasBSD/ntpd-rs/ntp/daemon"
)

var (
	keCAFileFlag    string
	keProtocolsFlag []string
)

func init() {
	RootCmd.AddCommand(keCmd)
	keCmd.Flags().StringVar(&keCAFileFlag, "ca-file", "", "extra CA certificates trusted for the key exchange")
	keCmd.Flags().StringSliceVar(&keProtocolsFlag, "protocol", nil, "NTS next protocols to offer: NTPv4, NTPv5-draft")
}

var keCmd = &cobra.Command{
	Use:   "ke <server[:port]>",
	Short: "Run an NTS key exchange and print the negotiated session",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()
		sc := config.SourceConfig{Address: args[0], NTS: true, KEAddress: args[0], CAFile: keCAFileFlag, Protocols: keProtocolsFlag}
		if err := sc.Validate(); err != nil {
			log.Fatal(err)
		}
		ke, err := daemon.KeyExchanger(sc)
		if err != nil {
			log.Fatal(err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
		defer cancel()
		session, err := ke(ctx)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Protocol:   %s\n", session.Protocol)
		fmt.Printf("Algorithm:  %s\n", session.Algorithm)
		fmt.Printf("NTP server: %s:%d\n", session.Server, session.Port)
		fmt.Printf("Cookies:    %d\n", len(session.Cookies))
		for i, c := range session.Cookies {
			log.Debugf("cookie %d: %d bytes", i, len(c))
		}
		for _, w := range session.Warnings {
			fmt.Printf("Warning:    %d\n", w)
		}
	},
}

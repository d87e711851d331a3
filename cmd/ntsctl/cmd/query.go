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

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/yonasBSD/ntpd-rs/ntp/algorithm"
)

var queryFlags sourceFlags

func init() {
	RootCmd.AddCommand(queryCmd)
	queryFlags.register(queryCmd)
}

func printSample(r result) {
	if r.session != nil {
		fmt.Printf("NTS:        %s\n", color.GreenString("%s/%s", r.session.Protocol, r.session.Algorithm))
	} else {
		fmt.Printf("NTS:        %s\n", color.YellowString("no"))
	}
	s := r.sample
	fmt.Printf("Offset:     %s\n", colorOffset(s))
	fmt.Printf("Delay:      %s\n", s.Delay)
	fmt.Printf("Dispersion: %s\n", s.Dispersion)
	fmt.Printf("Stratum:    %d\n", s.Stratum)
	fmt.Printf("Leap:       %d\n", s.Leap)
	fmt.Printf("Root delay: %s\n", s.RootDelay)
	fmt.Printf("Root disp:  %s\n", s.RootDispersion)
}

// colorOffset flags offsets larger than the round trip
func colorOffset(s algorithm.ClockSample) string {
	if s.Offset.Abs() > s.Delay {
		return color.RedString("%s", s.Offset)
	}
	return color.GreenString("%s", s.Offset)
}

var queryCmd = &cobra.Command{
	Use:   "query <server[:port]>",
	Short: "Send one NTP request, with NTS if asked, and print the sample",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()
		sc, err := queryFlags.config(args[0])
		if err != nil {
			log.Fatal(err)
		}
		r := queryOnce(context.Background(), sc, timeoutFlag)
		if r.err != nil {
			log.Fatal(r.err)
		}
		printSample(r)
	},
}

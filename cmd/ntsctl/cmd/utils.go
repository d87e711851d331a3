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
	"time"

	"github.com/spf13/cobra"
	"github.com/yonasBSD/ntpd-rs/ntp/algorithm"
	"github.com/yonasBSD/ntpd-rs/ntp/config"
	"github.com/yonasBSD/ntpd-rs/ntp/daemon"
	"github.com/yonasBSD/ntpd-rs/ntp/ntske"
	"github.com/yonasBSD/ntpd-rs/ntp/source"
)

// sourceFlags describe how to reach a server, shared by query and sources
type sourceFlags struct {
	nts       bool
	keAddress string
	caFile    string
	protocols []string
	version   int
	upgrade   bool
}

func (f *sourceFlags) register(c *cobra.Command) {
	c.Flags().BoolVarP(&f.nts, "nts", "s", false, "authenticate with NTS, running a key exchange first")
	c.Flags().StringVar(&f.keAddress, "ke", "", "key exchange server, defaults to the NTP server on port 4460")
	c.Flags().StringVar(&f.caFile, "ca-file", "", "extra CA certificates trusted for the key exchange")
	c.Flags().StringSliceVar(&f.protocols, "protocol", nil, "NTS next protocols to offer: NTPv4, NTPv5-draft")
	c.Flags().IntVar(&f.version, "ntp-version", 4, "NTP version without NTS, 4 or 5")
	c.Flags().BoolVar(&f.upgrade, "upgrade", false, "offer NTPv5 in NTPv4 requests")
}

func (f *sourceFlags) config(address string) (config.SourceConfig, error) {
	sc := config.SourceConfig{
		Address:   address,
		NTS:       f.nts,
		KEAddress: f.keAddress,
		CAFile:    f.caFile,
		Protocols: f.protocols,
		Version:   f.version,
		Upgrade:   f.upgrade,
	}
	return sc, sc.Validate()
}

// result of querying one server
type result struct {
	address string
	session *ntske.Session
	sample  algorithm.ClockSample
	err     error
}

// dialSource runs the key exchange if needed and sets up the association
func dialSource(ctx context.Context, sc config.SourceConfig, timeout time.Duration) (*source.Source, *ntske.Session, error) {
	var session *ntske.Session
	if sc.NTS {
		ke, err := daemon.KeyExchanger(sc)
		if err != nil {
			return nil, nil, err
		}
		kctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if session, err = ke(kctx); err != nil {
			return nil, nil, fmt.Errorf("key exchange with %s: %w", sc.KeyExchangeAddress(), err)
		}
	}
	s, err := source.New(sc.SourceConfig(algorithm.DefaultPrecision), session)
	if err != nil {
		return nil, nil, err
	}
	return s, session, nil
}

// queryOnce runs the key exchange if needed and one NTP exchange
func queryOnce(ctx context.Context, sc config.SourceConfig, timeout time.Duration) result {
	r := result{address: sc.Address}
	var s *source.Source
	s, r.session, r.err = dialSource(ctx, sc, timeout)
	if r.err != nil {
		return r
	}
	r.sample, r.err = s.Query(ctx, timeout)
	return r
}

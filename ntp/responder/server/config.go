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

package server

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/yonasBSD/ntpd-rs/dscp"
)

// DefaultServerIPs is a default list of IPs server will bind to if nothing else is specified
var DefaultServerIPs = MultiIPs{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}

// Config is a server config structure
type Config struct {
	ExtraOffset    time.Duration `yaml:"extra_offset"`
	Iface          string        `yaml:"iface"`
	IPs            MultiIPs      `yaml:"ips"`
	ManageLoopback bool          `yaml:"manage_loopback"`
	MonitoringPort int           `yaml:"monitoring_port"`
	Port           int           `yaml:"port"`
	RefID          string        `yaml:"refid"`
	ShouldAnnounce bool          `yaml:"announce"`
	Stratum        int           `yaml:"stratum"`
	Workers        int           `yaml:"workers"`
	DSCP           int           `yaml:"dscp"`
	// Precision is the log2 precision of the local clock
	Precision      int8          `yaml:"precision"`
	RootDelay      time.Duration `yaml:"root_delay"`
	RootDispersion time.Duration `yaml:"root_dispersion"`

	// RateLimit is the per client request rate for addresses the filter marks ratelimit
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// DefaultConfig returns the config a stratum 1 responder starts with
func DefaultConfig() Config {
	return Config{
		Iface:          "lo",
		Port:           123,
		RefID:          "OLEG",
		Stratum:        1,
		Workers:        10,
		Precision:      -32,
		RootDispersion: 15 * time.Microsecond,
		RateLimit:      1,
		RateBurst:      8,
	}
}

// MultiIPs is a wrapper allowing to set multiple IPs with flag parser
type MultiIPs []net.IP

// Set adds check to the runlist
func (m *MultiIPs) Set(ipaddr string) error {
	ip := net.ParseIP(ipaddr)
	if ip == nil {
		return fmt.Errorf("invalid ip address %s", ipaddr)
	}
	*m = append([]net.IP(*m), ip)
	return nil
}

// String returns joined list of checks
func (m *MultiIPs) String() string {
	ips := make([]string, 0, len(*m))
	for _, ip := range *m {
		ips = append(ips, ip.String())
	}
	return strings.Join(ips, ", ")
}

// SetDefault adds all checks to the runlist
func (m *MultiIPs) SetDefault() {
	if len(*m) != 0 {
		return
	}

	*m = DefaultServerIPs
}

// Validate checks if config is valid
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("will not start without workers")
	}
	if c.Stratum < 1 || c.Stratum > 15 {
		return fmt.Errorf("stratum %d is not between 1 and 15", c.Stratum)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DSCP < 0 || c.DSCP > dscp.MaxValue {
		return fmt.Errorf("dscp %d out of range", c.DSCP)
	}
	if c.RateLimit <= 0 || c.RateBurst < 1 {
		return fmt.Errorf("rate limit needs a positive rate and burst")
	}
	return nil
}

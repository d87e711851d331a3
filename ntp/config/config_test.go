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
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yonasBSD/ntpd-rs/ntp/ipfilter"
	"github.com/yonasBSD/ntpd-rs/ntp/nts"
	"github.com/yonasBSD/ntpd-rs/ntp/ntske"
	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
)

const sampleConfig = `
monitoring_port: 8888
serve: true
server:
  port: 1123
  workers: 4
  stratum: 2
  refid: GPS
  rate_limit: 2
  rate_burst: 4
key_exchange:
  address: "127.0.0.1:4460"
  cert_file: /etc/ntsd/cert.pem
  key_file: /etc/ntsd/key.pem
  protocols: [NTPv4, NTPv5-draft]
  algorithms: [AEAD_AES_SIV_CMAC_256]
keyset:
  path: /var/lib/ntsd/keys
  rotation_interval: 12h
filter:
  default: allow
  rules:
    - "10.0.0.0/8 deny"
    - "192.0.2.1-192.0.2.9 ratelimit"
algorithm:
  window_size: 4
  radius: "dispersion + delay / 2"
sources:
  - address: time.cloudflare.com
    nts: true
  - address: "192.0.2.1:123"
    version: 5
`

func writeConfig(t *testing.T, data string) string {
	path := filepath.Join(t.TempDir(), "ntsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
	return path
}

func TestReadConfig(t *testing.T) {
	c, err := ReadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, 8888, c.MonitoringPort)
	assert.True(t, c.Serve)
	assert.Equal(t, 1123, c.Server.Port)
	assert.Equal(t, 4, c.Server.Workers)
	assert.Equal(t, "GPS", c.Server.RefID)
	// untouched fields keep their defaults
	assert.Equal(t, int8(-32), c.Server.Precision)
	assert.Equal(t, 15*time.Microsecond, c.Server.RootDispersion)
	assert.Equal(t, DefaultQueryTimeout, c.QueryTimeout)

	assert.Equal(t, 12*time.Hour, c.KeySet.RotationInterval)
	assert.Equal(t, nts.DefaultMaxKeys, c.KeySet.MaxKeys)
	assert.Equal(t, ntske.DefaultCookieCount, c.KeyExchange.CookieCount)
	assert.Equal(t, 4, c.Algorithm.WindowSize)
	assert.True(t, c.Algorithm.RequireMajority)

	require.Len(t, c.Sources, 2)
	assert.Equal(t, "time.cloudflare.com:123", c.Sources[0].Address)
	assert.Equal(t, "time.cloudflare.com:4460", c.Sources[0].KeyExchangeAddress())
	assert.Equal(t, protocol.Version5, c.Sources[1].SourceConfig(time.Microsecond).Version)

	sc, err := c.KeyExchange.ServerConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, []ntske.ProtocolID{ntske.ProtocolNTPv4, ntske.ProtocolNTPv5Draft}, sc.Protocols)
	assert.Equal(t, []nts.AlgorithmID{nts.AESSIVCMAC256}, sc.Algorithms)

	f, err := c.Filter.Build()
	require.NoError(t, err)
	assert.Equal(t, ipfilter.Deny, f.Evaluate(netip.MustParseAddr("10.1.2.3")))
	assert.Equal(t, ipfilter.RateLimited, f.Evaluate(netip.MustParseAddr("192.0.2.5")))
	assert.Equal(t, ipfilter.Allow, f.Evaluate(netip.MustParseAddr("192.0.2.10")))
}

func TestReadConfigErrors(t *testing.T) {
	_, err := ReadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	_, err = ReadConfig(writeConfig(t, "serve: [oops"))
	require.Error(t, err)
}

func validConfig() *Config {
	c := DefaultConfig()
	c.Serve = true
	return c
}

func TestValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	for name, mutate := range map[string]func(c *Config){
		"nothing to do":    func(c *Config) { c.Serve = false },
		"monitoring port":  func(c *Config) { c.MonitoringPort = -1 },
		"query timeout":    func(c *Config) { c.QueryTimeout = 0 },
		"select interval":  func(c *Config) { c.Sources = []SourceConfig{{Address: "a"}}; c.SelectInterval = 0 },
		"server":           func(c *Config) { c.Server.Workers = 0 },
		"ke without cert":  func(c *Config) { c.KeyExchange.Address = ":4460" },
		"ke protocol":      func(c *Config) { c.KeyExchange = KeyExchangeConfig{Address: ":4460", CertFile: "c", KeyFile: "k", Timeout: time.Second, CookieCount: 8, Protocols: []string{"sntp"}} },
		"ke algorithm":     func(c *Config) { c.KeyExchange = KeyExchangeConfig{Address: ":4460", CertFile: "c", KeyFile: "k", Timeout: time.Second, CookieCount: 8, Algorithms: []string{"rot13"}} },
		"ke cookies":       func(c *Config) { c.KeyExchange = KeyExchangeConfig{Address: ":4460", CertFile: "c", KeyFile: "k", Timeout: time.Second} },
		"rotation":         func(c *Config) { c.KeySet.RotationInterval = 0 },
		"max keys":         func(c *Config) { c.KeySet.MaxKeys = 0 },
		"filter default":   func(c *Config) { c.Filter.Default = "maybe" },
		"filter rule":      func(c *Config) { c.Filter.Rules = []string{"10.0.0.0/8"} },
		"algorithm":        func(c *Config) { c.Algorithm.Radius = "offset" },
		"source address":   func(c *Config) { c.Sources = []SourceConfig{{}} },
		"source version":   func(c *Config) { c.Sources = []SourceConfig{{Address: "a", Version: 3}} },
		"source poll":      func(c *Config) { c.Sources = []SourceConfig{{Address: "a", MinPoll: 6, MaxPoll: 4}} },
		"source ke no nts": func(c *Config) { c.Sources = []SourceConfig{{Address: "a", KEAddress: "b"}} },
		"source protocol":  func(c *Config) { c.Sources = []SourceConfig{{Address: "a", NTS: true, Protocols: []string{"v6"}}} },
		"duplicate source": func(c *Config) { c.Sources = []SourceConfig{{Address: "a"}, {Address: "a:123"}} },
	} {
		t.Run(name, func(t *testing.T) {
			c := validConfig()
			mutate(c)
			require.Error(t, c.Validate())
		})
	}
}

func TestPrepareConfig(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	c, err := PrepareConfig(path, []string{"[2001:db8::1]", "192.0.2.7"}, 9999, map[string]bool{"monitoringport": true})
	require.NoError(t, err)
	require.Equal(t, 9999, c.MonitoringPort)
	require.Equal(t, []SourceConfig{{Address: "[2001:db8::1]:123"}, {Address: "192.0.2.7:123"}}, c.Sources)

	// flags not set keep file values
	c, err = PrepareConfig(path, nil, 9999, map[string]bool{})
	require.NoError(t, err)
	require.Equal(t, 8888, c.MonitoringPort)

	_, err = PrepareConfig("", nil, 0, map[string]bool{})
	require.Error(t, err, "default config has nothing to do")
}

func TestSourceKeyExchangeAddress(t *testing.T) {
	s := SourceConfig{Address: "[2001:db8::1]:123", NTS: true}
	require.Equal(t, "[2001:db8::1]:4460", s.KeyExchangeAddress())
	s.KEAddress = "ke.example.com"
	require.Equal(t, "ke.example.com:4460", s.KeyExchangeAddress())
	s.KEAddress = "ke.example.com:14460"
	require.Equal(t, "ke.example.com:14460", s.KeyExchangeAddress())
}

func TestSourceTLSConfig(t *testing.T) {
	s := SourceConfig{Address: "a:123", NTS: true}
	c, err := s.TLSConfig()
	require.NoError(t, err)
	require.Nil(t, c)

	s.CAFile = writeConfig(t, "not a certificate")
	_, err = s.TLSConfig()
	require.Error(t, err)
}

func TestKeyExchangeTLSConfigMissing(t *testing.T) {
	k := KeyExchangeConfig{CertFile: "/nonexistent/cert.pem", KeyFile: "/nonexistent/key.pem"}
	_, err := k.TLSConfig()
	require.Error(t, err)
}

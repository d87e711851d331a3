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
/*
Package config holds the ntsd configuration: a yaml file with defaults,
validation and CLI flag overrides, plus helpers turning each section into the
objects the daemon runs.
*/
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/yonasBSD/ntpd-rs/ntp/algorithm"
	"github.com/yonasBSD/ntpd-rs/ntp/ipfilter"
	"github.com/yonasBSD/ntpd-rs/ntp/nts"
	"github.com/yonasBSD/ntpd-rs/ntp/ntske"
	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
	"github.com/yonasBSD/ntpd-rs/ntp/responder/server"
	"github.com/yonasBSD/ntpd-rs/ntp/source"
	yaml "gopkg.in/yaml.v2"
)

// Defaults
const (
	DefaultMonitoringPort   = 4269
	DefaultRotationInterval = 24 * time.Hour
	DefaultQueryTimeout     = source.DefaultTimeout
	DefaultSelectInterval   = 16 * time.Second
)

// KeySetConfig describes the cookie keys
type KeySetConfig struct {
	// Path persists the keyset across restarts. Empty keeps it in memory only.
	Path             string        `yaml:"path"`
	RotationInterval time.Duration `yaml:"rotation_interval"`
	MaxKeys          int           `yaml:"max_keys"`
	// SecretFile holds a secret shared by servers issuing compatible cookies
	SecretFile string `yaml:"secret_file"`
}

// KeyExchangeConfig describes the NTS-KE listener. It is disabled without an address.
type KeyExchangeConfig struct {
	Address     string        `yaml:"address"`
	CertFile    string        `yaml:"cert_file"`
	KeyFile     string        `yaml:"key_file"`
	Timeout     time.Duration `yaml:"timeout"`
	CookieCount int           `yaml:"cookie_count"`
	// NTPServer and NTPPort redirect clients to another NTP server
	NTPServer  string   `yaml:"ntp_server"`
	NTPPort    uint16   `yaml:"ntp_port"`
	Protocols  []string `yaml:"protocols"`
	Algorithms []string `yaml:"algorithms"`
}

// FilterConfig lists ipfilter rules, such as "10.0.0.0/8 deny"
type FilterConfig struct {
	Default string   `yaml:"default"`
	Rules   []string `yaml:"rules"`
}

// SourceConfig describes one upstream server
type SourceConfig struct {
	// Address is host:port, port 123 if omitted
	Address string `yaml:"address"`
	NTS     bool   `yaml:"nts"`
	// KEAddress defaults to the host of Address on the NTS-KE port
	KEAddress string `yaml:"ke_address"`
	// CAFile adds trusted roots for the key exchange
	CAFile    string   `yaml:"ca_file"`
	Protocols []string `yaml:"protocols"`
	Version   int      `yaml:"version"`
	Upgrade   bool     `yaml:"upgrade"`
	MinPoll   int8     `yaml:"min_poll"`
	MaxPoll   int8     `yaml:"max_poll"`
}

// Config is the ntsd configuration
type Config struct {
	MonitoringPort int           `yaml:"monitoring_port"`
	LeapFile       string        `yaml:"leap_file"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	// SelectInterval is how often the client runs clock selection
	SelectInterval time.Duration `yaml:"select_interval"`
	// Serve enables the NTP responder
	Serve       bool              `yaml:"serve"`
	Server      server.Config     `yaml:"server"`
	KeyExchange KeyExchangeConfig `yaml:"key_exchange"`
	KeySet      KeySetConfig      `yaml:"keyset"`
	Filter      FilterConfig      `yaml:"filter"`
	Algorithm   algorithm.Config  `yaml:"algorithm"`
	Sources     []SourceConfig    `yaml:"sources"`
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		MonitoringPort: DefaultMonitoringPort,
		QueryTimeout:   DefaultQueryTimeout,
		SelectInterval: DefaultSelectInterval,
		Server:         server.DefaultConfig(),
		KeyExchange: KeyExchangeConfig{
			Timeout:     server.DefaultKETimeout,
			CookieCount: ntske.DefaultCookieCount,
		},
		KeySet: KeySetConfig{
			RotationInterval: DefaultRotationInterval,
			MaxKeys:          nts.DefaultMaxKeys,
		},
		Algorithm: algorithm.DefaultConfig(),
	}
}

// ReadConfig reads config from the file
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(cData, c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Validate config is sane
func (c *Config) Validate() error {
	if !c.Serve && len(c.Sources) == 0 {
		return fmt.Errorf("nothing to do: enable serve or add sources")
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoring_port must be 0 or positive")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("query_timeout must be greater than zero")
	}
	if len(c.Sources) > 0 && c.SelectInterval <= 0 {
		return fmt.Errorf("select_interval must be greater than zero")
	}
	if c.Serve {
		if err := c.Server.Validate(); err != nil {
			return fmt.Errorf("invalid server config: %w", err)
		}
	}
	if err := c.KeyExchange.Validate(); err != nil {
		return fmt.Errorf("invalid key_exchange config: %w", err)
	}
	if err := c.KeySet.Validate(); err != nil {
		return fmt.Errorf("invalid keyset config: %w", err)
	}
	if _, err := c.Filter.Build(); err != nil {
		return fmt.Errorf("invalid filter config: %w", err)
	}
	if err := c.Algorithm.Validate(); err != nil {
		return fmt.Errorf("invalid algorithm config: %w", err)
	}
	seen := map[string]bool{}
	for i := range c.Sources {
		s := &c.Sources[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("invalid source %d: %w", i, err)
		}
		if seen[s.Address] {
			return fmt.Errorf("duplicate source %q", s.Address)
		}
		seen[s.Address] = true
	}
	return nil
}

// PrepareConfig prepares final version of config based on defaults, CLI flags and on-disk config, and validates resulting config
func PrepareConfig(cfgPath string, sources []string, monitoringPort int, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	warn := func(name string) {
		log.Warningf("overriding %s from CLI flag", name)
	}
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if len(sources) > 0 {
		warn("sources")
		cfg.Sources = cfg.Sources[:0]
		for _, s := range sources {
			cfg.Sources = append(cfg.Sources, SourceConfig{Address: s})
		}
	}
	if setFlags["monitoringport"] {
		warn("monitoringPort")
		cfg.MonitoringPort = monitoringPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}

// Validate KeySetConfig is sane
func (k *KeySetConfig) Validate() error {
	if k.RotationInterval <= 0 {
		return fmt.Errorf("rotation_interval must be greater than zero")
	}
	if k.MaxKeys < 1 {
		return fmt.Errorf("max_keys must be at least 1")
	}
	return nil
}

// Options reads the shared secret, if any, into keyset options
func (k *KeySetConfig) Options() (nts.Options, error) {
	opts := nts.Options{MaxKeys: k.MaxKeys}
	if k.SecretFile != "" {
		secret, err := os.ReadFile(k.SecretFile)
		if err != nil {
			return opts, fmt.Errorf("reading secret: %w", err)
		}
		if len(secret) == 0 {
			return opts, fmt.Errorf("secret file %q is empty", k.SecretFile)
		}
		opts.Secret = secret
	}
	return opts, nil
}

// Enabled reports whether the key exchange listener runs
func (k *KeyExchangeConfig) Enabled() bool {
	return k.Address != ""
}

// Validate KeyExchangeConfig is sane
func (k *KeyExchangeConfig) Validate() error {
	if !k.Enabled() {
		return nil
	}
	if k.CertFile == "" || k.KeyFile == "" {
		return fmt.Errorf("cert_file and key_file must be specified")
	}
	if k.Timeout <= 0 {
		return fmt.Errorf("timeout must be greater than zero")
	}
	if k.CookieCount < 1 {
		return fmt.Errorf("cookie_count must be at least 1")
	}
	if _, err := parseProtocols(k.Protocols); err != nil {
		return err
	}
	_, err := parseAlgorithms(k.Algorithms)
	return err
}

// ServerConfig builds the key exchange server settings
func (k *KeyExchangeConfig) ServerConfig(cookies ntske.CookieIssuer) (ntske.ServerConfig, error) {
	protocols, err := parseProtocols(k.Protocols)
	if err != nil {
		return ntske.ServerConfig{}, err
	}
	algorithms, err := parseAlgorithms(k.Algorithms)
	if err != nil {
		return ntske.ServerConfig{}, err
	}
	return ntske.ServerConfig{
		Cookies:     cookies,
		Protocols:   protocols,
		Algorithms:  algorithms,
		CookieCount: k.CookieCount,
		NTPServer:   k.NTPServer,
		NTPPort:     k.NTPPort,
	}, nil
}

// TLSConfig loads the certificate
func (k *KeyExchangeConfig) TLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(k.CertFile, k.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading certificate: %w", err)
	}
	return ntske.TLSServerConfig([]tls.Certificate{cert}), nil
}

// Build compiles the rules
func (f *FilterConfig) Build() (*ipfilter.Filter, error) {
	def := ipfilter.Allow
	if f.Default != "" {
		var err error
		if def, err = ipfilter.ParseAction(f.Default); err != nil {
			return nil, err
		}
	}
	rules, err := ipfilter.ParseRules(f.Rules)
	if err != nil {
		return nil, err
	}
	return ipfilter.New(rules, def)
}

// Validate SourceConfig is sane, filling in the default port
func (s *SourceConfig) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("address must be specified")
	}
	s.Address = withPort(s.Address, 123)
	if s.Version != 0 && s.Version != int(protocol.Version4) && s.Version != int(protocol.Version5) {
		return fmt.Errorf("version must be 4 or 5, got %d", s.Version)
	}
	if s.MaxPoll != 0 && s.MaxPoll < s.MinPoll {
		return fmt.Errorf("max_poll %d is below min_poll %d", s.MaxPoll, s.MinPoll)
	}
	if _, err := parseProtocols(s.Protocols); err != nil {
		return err
	}
	if !s.NTS && (s.KEAddress != "" || s.CAFile != "") {
		return fmt.Errorf("ke_address and ca_file need nts")
	}
	return nil
}

// withPort appends port to address when it has none
func withPort(address string, port int) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(strings.Trim(address, "[]"), strconv.Itoa(port))
}

// KeyExchangeAddress is where the source's key exchange runs
func (s *SourceConfig) KeyExchangeAddress() string {
	if s.KEAddress != "" {
		return withPort(s.KEAddress, ntske.DefaultPort)
	}
	host, _, err := net.SplitHostPort(s.Address)
	if err != nil {
		host = s.Address
	}
	return net.JoinHostPort(host, strconv.Itoa(ntske.DefaultPort))
}

// SourceConfig converts to the source driver config
func (s *SourceConfig) SourceConfig(precision time.Duration) source.Config {
	return source.Config{
		Address:   s.Address,
		Version:   protocol.Version(s.Version),
		Upgrade:   s.Upgrade,
		MinPoll:   s.MinPoll,
		MaxPoll:   s.MaxPoll,
		Precision: protocol.DurationFromStd(precision),
	}
}

// ClientConfig is the key exchange client config
func (s *SourceConfig) ClientConfig() (ntske.ClientConfig, error) {
	protocols, err := parseProtocols(s.Protocols)
	if err != nil {
		return ntske.ClientConfig{}, err
	}
	return ntske.ClientConfig{Protocols: protocols}, nil
}

// TLSConfig trusts the system roots plus CAFile
func (s *SourceConfig) TLSConfig() (*tls.Config, error) {
	if s.CAFile == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(s.CAFile)
	if err != nil {
		return nil, err
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %q", s.CAFile)
	}
	return &tls.Config{RootCAs: pool}, nil
}

func parseProtocols(names []string) ([]ntske.ProtocolID, error) {
	var res []ntske.ProtocolID
	for _, n := range names {
		p, err := ntske.ParseProtocol(n)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func parseAlgorithms(names []string) ([]nts.AlgorithmID, error) {
	var res []nts.AlgorithmID
	for _, n := range names {
		a, err := nts.ParseAlgorithm(n)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

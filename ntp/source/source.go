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
Package source implements the client side of one NTP association: building
requests, matching and authenticating responses, handling kiss codes and
turning exchanges into clock samples.
*/
package source

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/yonasBSD/ntpd-rs/ntp/algorithm"
	"github.com/yonasBSD/ntpd-rs/ntp/nts"
	"github.com/yonasBSD/ntpd-rs/ntp/ntske"
	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
)

// Poll limits, as log2 seconds
const (
	DefaultMinPoll int8 = 4
	DefaultMaxPoll int8 = 10
)

// Errors returned when handling responses
var (
	// ErrBogus means the packet is not a response to our outstanding request and should be ignored
	ErrBogus = errors.New("bogus packet")
	// ErrKissRate means the server asked us to slow down
	ErrKissRate = errors.New("rate kiss code")
	// ErrKissDeny means the server refuses to serve us
	ErrKissDeny = errors.New("deny kiss code")
	// ErrNTSNAK means the server could not use our cookie, a new key exchange is needed
	ErrNTSNAK = errors.New("nts nak")
	// ErrNoCookies means no cookie is left, a new key exchange is needed
	ErrNoCookies = errors.New("no cookies left")
	// ErrDemobilized means the source was shut down by a deny kiss
	ErrDemobilized = errors.New("source demobilized")
	// ErrUnsynchronized means the server is not synchronised itself
	ErrUnsynchronized = errors.New("server unsynchronized")
)

// Config of one source
type Config struct {
	// Address is host:port of the NTP server
	Address string
	// Version is used without NTS, with NTS the negotiated protocol decides
	Version protocol.Version
	// Upgrade offers NTPv5 inside v4 requests and switches when the server echoes it
	Upgrade bool
	MinPoll int8
	MaxPoll int8
	// Precision of the local clock
	Precision protocol.Duration
}

func (c *Config) setDefaults() {
	if c.Version == 0 {
		c.Version = protocol.Version4
	}
	if c.MinPoll == 0 {
		c.MinPoll = DefaultMinPoll
	}
	if c.MaxPoll == 0 {
		c.MaxPoll = DefaultMaxPoll
	}
	if c.MaxPoll < c.MinPoll {
		c.MaxPoll = c.MinPoll
	}
}

// pending is our outstanding request
type pending struct {
	sent   protocol.Timestamp
	origin protocol.Timestamp
	cookie uint64
	id     []byte
}

// Source is one association. It is safe for concurrent use.
type Source struct {
	cfg Config
	rnd io.Reader

	mu          sync.Mutex
	version     protocol.Version
	poll        int8
	session     *ntske.Session
	c2s         cipher.AEAD
	s2c         cipher.AEAD
	jar         CookieJar
	pending     *pending
	nak         bool
	demobilized bool
}

// New creates a source. session is nil for unauthenticated NTP.
func New(cfg Config, session *ntske.Session) (*Source, error) {
	cfg.setDefaults()
	s := &Source{cfg: cfg, rnd: rand.Reader, version: cfg.Version, poll: cfg.MinPoll}
	if session != nil {
		if err := s.SetSession(session); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetSession installs the outcome of a new key exchange
func (s *Source) SetSession(session *ntske.Session) error {
	c2s, err := session.Algorithm.NewAEAD(session.C2S)
	if err != nil {
		return err
	}
	s2c, err := session.Algorithm.NewAEAD(session.S2C)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.c2s, s.s2c = c2s, s2c
	s.jar.Reset()
	s.jar.Push(session.Cookies...)
	s.nak = false
	s.pending = nil
	s.version = protocol.Version4
	if session.Protocol == ntske.ProtocolNTPv5Draft {
		s.version = protocol.Version5
	}
	return nil
}

// Address is where requests go: the NTS server if a session says so
func (s *Source) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return fmt.Sprintf("%s:%d", s.session.Server, s.session.Port)
	}
	return s.cfg.Address
}

// NTS reports whether the source authenticates its traffic
func (s *Source) NTS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

// NeedsKeyExchange reports whether the NTS session can no longer be used
func (s *Source) NeedsKeyExchange() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil && (s.nak || s.jar.Len() == 0)
}

// Cookies is the number of unused cookies
func (s *Source) Cookies() int {
	return s.jar.Len()
}

// Poll is the current poll interval
func (s *Source) Poll() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.DurationFromExponent(s.poll).Std()
}

// Version is the protocol version requests currently use
func (s *Source) Version() protocol.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Source) random(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(s.rnd, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Request builds the next request. now is the local time it will be sent at.
// The transmit timestamp on the wire is random so it reveals nothing about
// the local clock and lets us match the response.
func (s *Source) Request(now protocol.Timestamp) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.demobilized {
		return nil, ErrDemobilized
	}
	nonce, err := s.random(8)
	if err != nil {
		return nil, err
	}
	pend := &pending{sent: now}
	p := &protocol.Packet{Header: protocol.Header{
		Leap:    protocol.LeapUnknown,
		Version: s.version,
		Mode:    protocol.ModeClient,
		Poll:    s.poll,
	}}
	if s.version == protocol.Version5 {
		pend.cookie = binary.BigEndian.Uint64(nonce)
		p.ClientCookie = pend.cookie
		p.Timescale = protocol.TimescaleUTC
		p.Extensions = append(p.Extensions, protocol.DraftIdentification{Draft: protocol.DraftName})
	} else {
		pend.origin = protocol.Timestamp(binary.BigEndian.Uint64(nonce))
		p.TransmitTime = pend.origin
		if s.cfg.Upgrade && s.session == nil {
			p.ReferenceTime = protocol.UpgradeTimestamp
		}
	}

	var raw []byte
	if s.session == nil {
		raw, err = p.Encode()
	} else {
		raw, err = s.sealRequest(p, pend)
	}
	if err != nil {
		return nil, err
	}
	s.pending = pend
	return raw, nil
}

func (s *Source) sealRequest(p *protocol.Packet, pend *pending) ([]byte, error) {
	if s.nak {
		return nil, ErrNTSNAK
	}
	cookie, ok := s.jar.Pop()
	if !ok {
		return nil, ErrNoCookies
	}
	id, err := s.random(nts.UniqueIDSize)
	if err != nil {
		return nil, err
	}
	pend.id = id
	placeholders := MaxCookies - 1 - s.jar.Len()
	if placeholders > nts.MaxPlaceholders {
		placeholders = nts.MaxPlaceholders
	}
	if placeholders < 0 {
		placeholders = 0
	}
	return nts.SealRequest(p, id, cookie, placeholders, s.c2s, s.rnd)
}

// matches checks the response answers the outstanding request
func (s *Source) matches(p *protocol.Packet) bool {
	if s.pending == nil || p.Mode != protocol.ModeServer || p.Version != s.version {
		return false
	}
	if p.Version == protocol.Version5 {
		return p.ClientCookie == s.pending.cookie
	}
	return p.OriginTime == s.pending.origin
}

func (s *Source) echoesID(p *protocol.Packet) bool {
	f, ok := p.Extension(protocol.ExtUniqueIdentifier)
	return ok && bytes.Equal(f.(protocol.UniqueIdentifier).ID, s.pending.id)
}

func (s *Source) backoff(to int8) {
	if to <= s.poll {
		return
	}
	if to > s.cfg.MaxPoll {
		to = s.cfg.MaxPoll
	}
	s.poll = to
}

// HandleResponse validates a response received at local time t4 and turns it
// into a sample. ErrBogus responses leave the outstanding request in place.
func (s *Source) HandleResponse(raw []byte, t4 protocol.Timestamp) (algorithm.ClockSample, error) {
	p, err := protocol.Decode(raw)
	if err != nil {
		return algorithm.ClockSample{}, fmt.Errorf("%w: %v", ErrBogus, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.matches(p) {
		return algorithm.ClockSample{}, ErrBogus
	}

	if s.session != nil {
		if p.IsAuthNAK() {
			if !s.echoesID(p) {
				return algorithm.ClockSample{}, ErrBogus
			}
			s.pending = nil
			s.nak = true
			log.Warningf("[source] %s: server could not use our cookie", s.cfg.Address)
			return algorithm.ClockSample{}, ErrNTSNAK
		}
		cookies, err := nts.OpenResponse(p, raw, s.pending.id, s.s2c)
		if err != nil {
			// forged or corrupted, keep waiting for the real one
			return algorithm.ClockSample{}, fmt.Errorf("%w: %v", ErrBogus, err)
		}
		s.jar.Push(cookies...)
	}
	sent := s.pending.sent
	s.pending = nil

	if p.IsKiss() {
		switch p.ReferenceID {
		case protocol.KissRate:
			s.backoff(s.poll + 1)
			s.backoff(p.Poll)
			return algorithm.ClockSample{}, ErrKissRate
		case protocol.KissDeny, protocol.KissRstr:
			s.demobilized = true
			return algorithm.ClockSample{}, ErrKissDeny
		}
		return algorithm.ClockSample{}, fmt.Errorf("%w: kiss code %s", ErrBogus, p.ReferenceID)
	}
	if !p.Leap.IsSynchronized() || p.Stratum == 0 || p.Stratum >= 16 {
		return algorithm.ClockSample{}, ErrUnsynchronized
	}
	if s.version == protocol.Version4 && s.cfg.Upgrade && s.session == nil && p.WantsUpgrade() {
		log.Infof("[source] %s supports NTPv5, upgrading", s.cfg.Address)
		s.version = protocol.Version5
	}
	s.backoff(p.Poll)
	return algorithm.NewSample(sent, p.ReceiveTime, p.TransmitTime, t4, &p.Header, s.cfg.Precision), nil
}

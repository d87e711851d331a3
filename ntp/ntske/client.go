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

package ntske

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/yonasBSD/ntpd-rs/ntp/nts"
)

// ClientState is the state of a client key exchange
type ClientState uint8

// Client states
const (
	ClientStart ClientState = iota
	ClientSentRequest
	ClientAwaitingResponse
	ClientSuccess
	ClientFailed
)

var clientStateToString = map[ClientState]string{
	ClientStart:            "START",
	ClientSentRequest:      "SENT_REQUEST",
	ClientAwaitingResponse: "AWAITING_RESPONSE",
	ClientSuccess:          "SUCCESS",
	ClientFailed:           "FAILED",
}

func (s ClientState) String() string {
	return clientStateToString[s]
}

// ClientConfig describes what the client offers
type ClientConfig struct {
	// Protocols in order of preference, NTPv4 only by default
	Protocols []ProtocolID
	// Algorithms in order of preference, nts.SupportedAlgorithms by default
	Algorithms []nts.AlgorithmID
	// Host is the key exchange server, the default NTP server
	Host string
}

func (c *ClientConfig) setDefaults() {
	if len(c.Protocols) == 0 {
		c.Protocols = []ProtocolID{ProtocolNTPv4}
	}
	if len(c.Algorithms) == 0 {
		c.Algorithms = nts.SupportedAlgorithms
	}
}

// clientResponse accumulates what the server sent
type clientResponse struct {
	protocols  []uint16
	algorithms []uint16
	sawProto   bool
	sawAEAD    bool
	cookies    [][]byte
	server     string
	port       uint16
	warnings   []uint16
}

// Client is the client side state machine of one key exchange
type Client struct {
	cfg    ClientConfig
	state  ClientState
	reader recordReader
	resp   clientResponse
	err    error
}

// NewClient creates a client in the Start state
func NewClient(cfg ClientConfig) *Client {
	cfg.setDefaults()
	return &Client{cfg: cfg, state: ClientStart}
}

// State returns the current state
func (c *Client) State() ClientState {
	return c.state
}

// Err returns why the exchange failed
func (c *Client) Err() error {
	return c.err
}

func (c *Client) fail(err error) error {
	c.state = ClientFailed
	c.err = err
	return err
}

// Request returns the request message and moves to SentRequest
func (c *Client) Request() ([]byte, error) {
	if c.state != ClientStart {
		return nil, stateError("request in state %s", c.state)
	}
	b, err := MarshalRecords(
		nextProtocolRecord(c.cfg.Protocols...),
		aeadRecord(c.cfg.Algorithms...),
		endOfMessage(),
	)
	if err != nil {
		return nil, c.fail(err)
	}
	c.state = ClientSentRequest
	return b, nil
}

// Receive consumes response bytes as they arrive. done is true once the
// exchange reached Success or Failed.
func (c *Client) Receive(b []byte) (done bool, err error) {
	switch c.state {
	case ClientSentRequest:
		c.state = ClientAwaitingResponse
	case ClientAwaitingResponse:
	default:
		return c.state == ClientSuccess || c.state == ClientFailed, stateError("receive in state %s", c.state)
	}
	if err := c.reader.feed(b); err != nil {
		return true, c.fail(err)
	}
	for {
		rec, ok := c.reader.next()
		if !ok {
			return false, nil
		}
		end, err := c.handle(rec)
		if err != nil {
			return true, c.fail(err)
		}
		if end {
			if err := c.finish(); err != nil {
				return true, c.fail(err)
			}
			c.state = ClientSuccess
			return true, nil
		}
	}
}

func (c *Client) handle(rec Record) (end bool, err error) {
	switch rec.Type {
	case RecordEndOfMessage:
		return true, nil
	case RecordNextProtocol:
		values, ok := parseU16List(rec.Body)
		if !ok || c.resp.sawProto {
			return false, protocolError("malformed or repeated next protocol record")
		}
		c.resp.sawProto = true
		c.resp.protocols = values
	case RecordAEADAlgorithm:
		values, ok := parseU16List(rec.Body)
		if !ok || c.resp.sawAEAD {
			return false, protocolError("malformed or repeated aead record")
		}
		c.resp.sawAEAD = true
		c.resp.algorithms = values
	case RecordError:
		code, ok := parseU16(rec.Body)
		if !ok {
			return false, protocolError("malformed error record")
		}
		return false, &KeyExchangeError{Kind: KindPeerError, Code: ErrorCode(code)}
	case RecordWarning:
		code, ok := parseU16(rec.Body)
		if !ok {
			return false, protocolError("malformed warning record")
		}
		log.Warningf("[ntske] server %s sent warning %d", c.cfg.Host, code)
		c.resp.warnings = append(c.resp.warnings, code)
	case RecordNewCookie:
		if len(rec.Body) == 0 {
			return false, protocolError("empty cookie")
		}
		if len(c.resp.cookies) == MaxCookies {
			return false, protocolError("more than %d cookies", MaxCookies)
		}
		c.resp.cookies = append(c.resp.cookies, rec.Body)
	case RecordServer:
		c.resp.server = string(rec.Body)
	case RecordPort:
		port, ok := parseU16(rec.Body)
		if !ok {
			return false, protocolError("malformed port record")
		}
		c.resp.port = port
	default:
		if rec.Critical {
			return false, protocolError("unrecognized critical record %s", rec.Type)
		}
		log.Debugf("[ntske] skipping unknown record %s", rec.Type)
	}
	return false, nil
}

// finish checks the response is an acceptable answer to our request
func (c *Client) finish() error {
	if !c.resp.sawProto || !c.resp.sawAEAD {
		return protocolError("response lacks next protocol or aead record")
	}
	if len(c.resp.protocols) == 0 || len(c.resp.algorithms) == 0 {
		return &KeyExchangeError{Kind: KindNoAgreement, Msg: "server supports none of the offered protocols or algorithms"}
	}
	if len(c.resp.protocols) != 1 || !offered(c.cfg.Protocols, ProtocolID(c.resp.protocols[0])) {
		return protocolError("server picked protocol %v we did not offer", c.resp.protocols)
	}
	if len(c.resp.algorithms) != 1 || !offered(c.cfg.Algorithms, nts.AlgorithmID(c.resp.algorithms[0])) {
		return protocolError("server picked algorithm %v we did not offer", c.resp.algorithms)
	}
	if len(c.resp.cookies) == 0 {
		return protocolError("no cookies")
	}
	return nil
}

func offered[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// Result exports the session keys once the exchange succeeded
func (c *Client) Result(e KeyExporter) (*Session, error) {
	if c.state != ClientSuccess {
		if c.err != nil {
			return nil, c.err
		}
		return nil, stateError("result in state %s", c.state)
	}
	s := &Session{
		Protocol:  ProtocolID(c.resp.protocols[0]),
		Algorithm: nts.AlgorithmID(c.resp.algorithms[0]),
		Cookies:   c.resp.cookies,
		Server:    c.resp.server,
		Port:      c.resp.port,
		Warnings:  c.resp.warnings,
	}
	if s.Server == "" {
		s.Server = c.cfg.Host
	}
	if s.Port == 0 {
		s.Port = DefaultNTPPort
	}
	var err error
	if s.C2S, s.S2C, err = exportKeys(e, s.Protocol, s.Algorithm); err != nil {
		return nil, err
	}
	log.Debugf("[ntske] negotiated %s with %s, %d cookies, ntp server %s:%d", s.Protocol, s.Algorithm, len(s.Cookies), s.Server, s.Port)
	return s, nil
}

func (s *Session) String() string {
	return fmt.Sprintf("%s/%s %s:%d (%d cookies)", s.Protocol, s.Algorithm, s.Server, s.Port, len(s.Cookies))
}

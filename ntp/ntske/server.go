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
	"errors"

	log "github.com/sirupsen/logrus"
	"github.com/yonasBSD/ntpd-rs/ntp/nts"
)

// ServerState is the state of a server key exchange
type ServerState uint8

// Server states
const (
	ServerAwaitingRequest ServerState = iota
	ServerValidating
	ServerResponding
	ServerRejecting
)

var serverStateToString = map[ServerState]string{
	ServerAwaitingRequest: "AWAITING_REQUEST",
	ServerValidating:      "VALIDATING",
	ServerResponding:      "RESPONDING",
	ServerRejecting:       "REJECTING",
}

func (s ServerState) String() string {
	return serverStateToString[s]
}

// DefaultCookieCount is how many cookies a successful exchange hands out
const DefaultCookieCount = 8

// CookieIssuer encrypts session state into cookies. *nts.KeySet implements it.
type CookieIssuer interface {
	IssueCookie(data nts.CookieData) (nts.Cookie, error)
}

// ServerConfig describes what the server accepts
type ServerConfig struct {
	Cookies CookieIssuer
	// Protocols supported, NTPv4 only by default
	Protocols []ProtocolID
	// Algorithms supported, nts.SupportedAlgorithms by default
	Algorithms []nts.AlgorithmID
	// CookieCount defaults to DefaultCookieCount and is capped at MaxCookies
	CookieCount int
	// NTPServer and NTPPort, when set, redirect clients to another NTP server
	NTPServer string
	NTPPort   uint16
}

func (c *ServerConfig) setDefaults() {
	if len(c.Protocols) == 0 {
		c.Protocols = []ProtocolID{ProtocolNTPv4}
	}
	if len(c.Algorithms) == 0 {
		c.Algorithms = nts.SupportedAlgorithms
	}
	if c.CookieCount <= 0 {
		c.CookieCount = DefaultCookieCount
	}
	if c.CookieCount > MaxCookies {
		c.CookieCount = MaxCookies
	}
}

// serverRequest accumulates what the client sent
type serverRequest struct {
	protocols  []uint16
	algorithms []uint16
	sawProto   bool
	sawAEAD    bool
}

// ServerSession is the server side state machine of one key exchange
type ServerSession struct {
	cfg     ServerConfig
	state   ServerState
	reader  recordReader
	req     serverRequest
	errCode ErrorCode
	err     error
}

// NewServerSession creates a session in the AwaitingRequest state
func NewServerSession(cfg ServerConfig) *ServerSession {
	cfg.setDefaults()
	return &ServerSession{cfg: cfg, state: ServerAwaitingRequest}
}

// State returns the current state
func (s *ServerSession) State() ServerState {
	return s.state
}

// Err returns why the request was rejected
func (s *ServerSession) Err() error {
	return s.err
}

func (s *ServerSession) reject(code ErrorCode, err error) {
	s.state = ServerRejecting
	s.errCode = code
	s.err = err
}

// Receive consumes request bytes. done is true once a full request was read
// or the request was found invalid; Response must be called next.
func (s *ServerSession) Receive(b []byte) (done bool, err error) {
	if s.state != ServerAwaitingRequest {
		return true, stateError("receive in state %s", s.state)
	}
	if err := s.reader.feed(b); err != nil {
		s.reject(ErrorBadRequest, err)
		return true, nil
	}
	for {
		rec, ok := s.reader.next()
		if !ok {
			return false, nil
		}
		end, code, err := s.handle(rec)
		if err != nil {
			s.reject(code, err)
			return true, nil
		}
		if end {
			s.state = ServerValidating
			return true, nil
		}
	}
}

func (s *ServerSession) handle(rec Record) (end bool, code ErrorCode, err error) {
	switch rec.Type {
	case RecordEndOfMessage:
		return true, 0, nil
	case RecordNextProtocol:
		values, ok := parseU16List(rec.Body)
		if !ok || s.req.sawProto {
			return false, ErrorBadRequest, protocolError("malformed or repeated next protocol record")
		}
		s.req.sawProto = true
		s.req.protocols = values
	case RecordAEADAlgorithm:
		values, ok := parseU16List(rec.Body)
		if !ok || s.req.sawAEAD {
			return false, ErrorBadRequest, protocolError("malformed or repeated aead record")
		}
		s.req.sawAEAD = true
		s.req.algorithms = values
	case RecordError, RecordNewCookie:
		return false, ErrorBadRequest, protocolError("client sent %s record", rec.Type)
	case RecordWarning, RecordServer, RecordPort:
		// meaningless in a request, ignored
	default:
		if rec.Critical {
			return false, ErrorUnrecognizedCriticalRecord, protocolError("unrecognized critical record %s", rec.Type)
		}
		log.Debugf("[ntske] skipping unknown record %s", rec.Type)
	}
	return false, 0, nil
}

// negotiate picks the first of the client's choices the server supports
func (s *ServerSession) negotiate() (ProtocolID, nts.AlgorithmID, error) {
	if !s.req.sawProto || !s.req.sawAEAD {
		return 0, 0, protocolError("request lacks next protocol or aead record")
	}
	var proto *ProtocolID
	for _, p := range s.req.protocols {
		if offered(s.cfg.Protocols, ProtocolID(p)) {
			v := ProtocolID(p)
			proto = &v
			break
		}
	}
	var alg *nts.AlgorithmID
	for _, a := range s.req.algorithms {
		if offered(s.cfg.Algorithms, nts.AlgorithmID(a)) && nts.AlgorithmID(a).Supported() {
			v := nts.AlgorithmID(a)
			alg = &v
			break
		}
	}
	if proto == nil || alg == nil {
		return 0, 0, &KeyExchangeError{Kind: KindNoAgreement, Code: ErrorBadRequest, Msg: "no common protocol or algorithm"}
	}
	return *proto, *alg, nil
}

// Response builds the answer to the request: cookies and negotiated
// parameters when moving to Responding, an Error record when Rejecting.
func (s *ServerSession) Response(e KeyExporter) ([]byte, error) {
	if s.state == ServerValidating {
		proto, alg, err := s.negotiate()
		if err != nil {
			s.reject(ErrorBadRequest, err)
		} else {
			b, err := s.respond(e, proto, alg)
			if err == nil {
				s.state = ServerResponding
				return b, nil
			}
			log.Errorf("[ntske] failed to build response: %v", err)
			s.reject(ErrorInternalServerError, err)
		}
	}
	if s.state != ServerRejecting {
		return nil, stateError("response in state %s", s.state)
	}
	log.Debugf("[ntske] rejecting request: %v", s.err)
	return MarshalRecords(errorRecord(s.errCode), endOfMessage())
}

func (s *ServerSession) respond(e KeyExporter, proto ProtocolID, alg nts.AlgorithmID) ([]byte, error) {
	if s.cfg.Cookies == nil {
		return nil, errors.New("no cookie issuer configured")
	}
	c2s, s2c, err := exportKeys(e, proto, alg)
	if err != nil {
		return nil, err
	}
	data := nts.CookieData{Algorithm: alg, C2S: c2s, S2C: s2c}
	records := []Record{nextProtocolRecord(proto), aeadRecord(alg)}
	for i := 0; i < s.cfg.CookieCount; i++ {
		cookie, err := s.cfg.Cookies.IssueCookie(data)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{Type: RecordNewCookie, Body: cookie})
	}
	if s.cfg.NTPServer != "" {
		records = append(records, Record{Critical: true, Type: RecordServer, Body: []byte(s.cfg.NTPServer)})
	}
	if s.cfg.NTPPort != 0 {
		records = append(records, Record{Critical: true, Type: RecordPort, Body: u16Body(s.cfg.NTPPort)})
	}
	records = append(records, endOfMessage())
	return MarshalRecords(records...)
}

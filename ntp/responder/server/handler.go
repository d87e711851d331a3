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
	"crypto/rand"
	"errors"
	"io"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/yonasBSD/ntpd-rs/ntp/ipfilter"
	"github.com/yonasBSD/ntpd-rs/ntp/leap"
	"github.com/yonasBSD/ntpd-rs/ntp/nts"
	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
)

// Outcome is what the handler did with a request
type Outcome uint8

// Outcomes
const (
	// Ignore means nothing is sent back
	Ignore Outcome = iota
	Response
	NTSResponse
	NAK
	Denied
	RateLimited
)

var outcomeToString = map[Outcome]string{
	Ignore:      "IGNORE",
	Response:    "RESPONSE",
	NTSResponse: "NTS_RESPONSE",
	NAK:         "NAK",
	Denied:      "DENIED",
	RateLimited: "RATE_LIMITED",
}

func (o Outcome) String() string {
	return outcomeToString[o]
}

// Handler turns requests into responses. It does no I/O and is safe for
// concurrent use.
type Handler struct {
	Config *Config
	Filter *ipfilter.Filter
	// Limiter applies to clients the filter marks ratelimit
	Limiter *RateLimiter
	// KeySet enables NTS. Without it NTS requests get a NAK.
	KeySet *nts.KeySet
	// Leap announces upcoming leap seconds when set
	Leap leap.Table
	Rand io.Reader
}

func (h *Handler) rand() io.Reader {
	if h.Rand != nil {
		return h.Rand
	}
	return rand.Reader
}

func isNTS(p *protocol.Packet) bool {
	if p.Authenticator != nil {
		return true
	}
	for _, f := range p.Extensions {
		switch f.Type() {
		case protocol.ExtUniqueIdentifier, protocol.ExtNTSCookie:
			return true
		}
	}
	return false
}

// Respond handles raw received from addr at received. now is the transmit
// time written into the response. A nil slice means nothing is sent.
func (h *Handler) Respond(raw []byte, from netip.Addr, received, now time.Time) ([]byte, Outcome) {
	action := h.Filter.Evaluate(from)
	req, err := protocol.Decode(raw)
	if err != nil {
		log.Debugf("[server] invalid packet from %s: %v", from, err)
		return nil, Ignore
	}
	if req.Mode != protocol.ModeClient {
		log.Debugf("[server] unexpected %s mode packet from %s", req.Mode, from)
		return nil, Ignore
	}

	resp := &protocol.Packet{}
	h.fillStaticHeaders(resp, now)
	generateResponse(now, received, req, resp)

	if action == ipfilter.Deny {
		return h.kiss(resp, protocol.KissDeny), Denied
	}

	var ntsReq *nts.Request
	if isNTS(req) {
		if h.KeySet != nil {
			ntsReq, err = h.KeySet.OpenRequest(req, raw)
		} else {
			err = nts.ErrInvalidCookie
		}
		switch {
		case errors.Is(err, nts.ErrInvalidCookie), errors.Is(err, nts.ErrAuthentication):
			log.Debugf("[server] NTS NAK to %s: %v", from, err)
			b, err := nts.NAK(resp, req)
			if err != nil {
				log.Errorf("[server] failed to encode NAK: %v", err)
				return nil, Ignore
			}
			return b, NAK
		case err != nil:
			log.Debugf("[server] malformed NTS request from %s: %v", from, err)
			return nil, Ignore
		}
	}

	outcome := Response
	if action == ipfilter.RateLimited && h.Limiter != nil && !h.Limiter.Allow(from, received) {
		if req.Version == protocol.Version5 {
			return nil, RateLimited
		}
		resp.Stratum = 0
		resp.Leap = protocol.LeapUnknown
		resp.ReferenceID = protocol.KissRate
		outcome = RateLimited
	}

	if ntsReq != nil {
		b, err := h.KeySet.SealResponse(resp, ntsReq, h.rand())
		if err != nil {
			log.Errorf("[server] failed to seal response: %v", err)
			return nil, Ignore
		}
		if outcome == Response {
			outcome = NTSResponse
		}
		return b, outcome
	}
	b, err := resp.Encode()
	if err != nil {
		log.Errorf("[server] failed to encode response %+v: %v", resp, err)
		return nil, Ignore
	}
	return b, outcome
}

// kiss turns resp into an unauthenticated kiss-o'-death. NTPv5 has no kiss
// codes, those requests are dropped.
func (h *Handler) kiss(resp *protocol.Packet, code protocol.ReferenceID) []byte {
	if resp.Version == protocol.Version5 {
		return nil
	}
	resp.Stratum = 0
	resp.Leap = protocol.LeapUnknown
	resp.ReferenceID = code
	resp.Extensions = nil
	b, err := resp.Encode()
	if err != nil {
		log.Errorf("[server] failed to encode kiss: %v", err)
		return nil
	}
	return b
}

// fillStaticHeaders sets the headers which only depend on the server state
func (h *Handler) fillStaticHeaders(response *protocol.Packet, now time.Time) {
	c := h.Config
	response.Stratum = uint8(c.Stratum)
	response.Precision = c.Precision
	response.RootDelay = protocol.DurationFromStd(c.RootDelay)
	response.RootDispersion = protocol.DurationFromStd(c.RootDispersion)
	response.ReferenceID = protocol.RefIDFromString(c.RefID)
	response.Leap = protocol.LeapNoWarning
	if len(h.Leap) > 0 {
		response.Leap = h.Leap.Indicator(now)
	}
}

// generateResponse fills the per request fields
func generateResponse(now time.Time, received time.Time, request, response *protocol.Packet) {
	response.Version = request.Version
	response.Mode = protocol.ModeServer
	response.Poll = request.Poll
	response.ReceiveTime = protocol.TimestampFromTime(received)
	response.TransmitTime = protocol.TimestampFromTime(now)

	if request.Version == protocol.Version5 {
		response.Timescale = protocol.TimescaleUTC
		response.Era = uint8(protocol.Era(now))
		response.ClientCookie = request.ClientCookie
		if _, ok := request.Extension(protocol.ExtV5DraftIdentification); ok {
			response.Extensions = append(response.Extensions, protocol.DraftIdentification{Draft: protocol.DraftName})
		}
		return
	}

	// Reference Timestamp
	// RFC: "Local time at which the local clock was last set or corrected."
	// We don't track that, and "now" makes clients flag an inconsistent host,
	// so pretend the clock is corrected every 1000s.
	lastSync := time.Unix(now.Unix()/1000*1000, 0)
	response.ReferenceTime = protocol.TimestampFromTime(lastSync)
	if request.WantsUpgrade() {
		response.ReferenceTime = protocol.UpgradeTimestamp
	}

	// Originate Timestamp
	// RFC: "Local time at which the request departed the client host for the service host."
	response.OriginTime = request.TransmitTime
}

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
Package algorithm turns round trip samples from several time sources into
one offset estimate. Each source keeps a short window of samples, filtered
the RFC 5905 way. Intersecting the sources' uncertainty intervals
(Marzullo's algorithm) separates truechimers from falsetickers, and the
truechimers are combined by inverse variance weighting.
*/
package algorithm

import (
	"fmt"

	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
)

// ClockSample is one measurement of a source
type ClockSample struct {
	Offset     protocol.Duration
	Delay      protocol.Duration
	Dispersion protocol.Duration
	// Time is when the response arrived, on the local clock
	Time           protocol.Timestamp
	Stratum        uint8
	Leap           protocol.LeapIndicator
	RootDelay      protocol.Duration
	RootDispersion protocol.Duration
}

func (s ClockSample) String() string {
	return fmt.Sprintf("offset=%s delay=%s disp=%s stratum=%d", s.Offset, s.Delay, s.Dispersion, s.Stratum)
}

// NewSample computes a sample from the four timestamps of an exchange:
// client transmit t1, server receive t2, server transmit t3, client receive t4.
// precision is the local clock precision.
func NewSample(t1, t2, t3, t4 protocol.Timestamp, resp *protocol.Header, precision protocol.Duration) ClockSample {
	offset := (t2.Sub(t1) + t3.Sub(t4)) / 2
	delay := t4.Sub(t1) - t3.Sub(t2)
	if delay < precision {
		delay = precision
	}
	disp := protocol.DurationFromExponent(resp.Precision) + precision +
		protocol.DurationFromSeconds(protocol.PHI*t4.Sub(t1).Seconds())
	return ClockSample{
		Offset:         offset,
		Delay:          delay,
		Dispersion:     disp,
		Time:           t4,
		Stratum:        resp.Stratum,
		Leap:           resp.Leap,
		RootDelay:      resp.RootDelay,
		RootDispersion: resp.RootDispersion,
	}
}

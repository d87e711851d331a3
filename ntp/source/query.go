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

package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/yonasBSD/ntpd-rs/ntp/algorithm"
	"github.com/yonasBSD/ntpd-rs/ntp/ntske"
	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
)

// DefaultTimeout is how long to wait for a response
const DefaultTimeout = 5 * time.Second

// maxResponseSize fits any response with a full set of cookies
const maxResponseSize = 2048

// Clock returns the local time used for t1 and t4
type Clock func() time.Time

// Exchange sends one request over conn and waits for the matching response.
// Packets which don't answer the request are dropped until the deadline.
func (s *Source) Exchange(ctx context.Context, conn net.Conn, timeout time.Duration, clock Clock) (algorithm.ClockSample, error) {
	if clock == nil {
		clock = time.Now
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return algorithm.ClockSample{}, err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	req, err := s.Request(protocol.TimestampFromTime(clock()))
	if err != nil {
		return algorithm.ClockSample{}, err
	}
	if _, err := conn.Write(req); err != nil {
		return algorithm.ClockSample{}, fmt.Errorf("sending request: %w", err)
	}
	buf := make([]byte, maxResponseSize)
	for {
		n, err := conn.Read(buf)
		t4 := protocol.TimestampFromTime(clock())
		if err != nil {
			if ctx.Err() != nil {
				return algorithm.ClockSample{}, ctx.Err()
			}
			return algorithm.ClockSample{}, fmt.Errorf("reading response: %w", err)
		}
		sample, err := s.HandleResponse(buf[:n], t4)
		if errors.Is(err, ErrBogus) {
			log.Debugf("[source] dropping packet from %s: %v", conn.RemoteAddr(), err)
			continue
		}
		return sample, err
	}
}

// Query dials address over UDP and runs a single exchange
func (s *Source) Query(ctx context.Context, timeout time.Duration) (algorithm.ClockSample, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", s.Address())
	if err != nil {
		return algorithm.ClockSample{}, err
	}
	defer conn.Close()
	return s.Exchange(ctx, conn, timeout, time.Now)
}

// KeyExchanger performs a new NTS key exchange
type KeyExchanger func(ctx context.Context) (*ntske.Session, error)

// Recorder receives samples
type Recorder func(algorithm.ClockSample) error

// RunOptions configure the poll loop
type RunOptions struct {
	Timeout time.Duration
	// KeyExchange renews an exhausted NTS session. Required for NTS sources.
	KeyExchange KeyExchanger
	Record      Recorder
}

// Run polls the source until ctx is done or the server denies service.
// Failed exchanges are logged and retried at the next poll.
func (s *Source) Run(ctx context.Context, opts RunOptions) error {
	for {
		if s.NeedsKeyExchange() {
			if err := s.renew(ctx, opts.KeyExchange); err != nil {
				log.Errorf("[source] key exchange for %s failed: %v", s.cfg.Address, err)
			}
		}
		sample, err := s.Query(ctx, opts.Timeout)
		switch {
		case err == nil:
			if err := opts.Record(sample); err != nil {
				log.Warningf("[source] %s: %v", s.cfg.Address, err)
			}
		case errors.Is(err, ErrKissDeny), errors.Is(err, ErrDemobilized):
			log.Errorf("[source] %s denied service, demobilizing", s.cfg.Address)
			return ErrDemobilized
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			log.Warningf("[source] %s: %v", s.cfg.Address, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.Poll()):
		}
	}
}

func (s *Source) renew(ctx context.Context, ke KeyExchanger) error {
	if ke == nil {
		return fmt.Errorf("%w: no key exchange configured", ErrNoCookies)
	}
	session, err := ke(ctx)
	if err != nil {
		return err
	}
	log.Infof("[source] %s: new NTS session with %d cookies, %s %s", s.cfg.Address, len(session.Cookies), session.Protocol, session.Algorithm)
	return s.SetSession(session)
}

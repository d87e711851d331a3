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
Package server implements the NTP and NTS-KE responder: UDP listeners feeding
a worker pool which answers through the Handler, and a TLS key exchange
listener. In addition, it runs checker, announce and stats implementations.
*/
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/yonasBSD/ntpd-rs/dscp"
	"golang.org/x/sys/unix"
)

// payloadSize fits any request we are willing to answer
const payloadSize = 2048

// limiterTTL is how long an idle client keeps its rate limit bucket
const limiterTTL = 10 * time.Minute

// task is a data structure with everything needed to work independently on NTP packet.
type task struct {
	conn     *net.UDPConn
	addr     netip.AddrPort
	received time.Time
	request  []byte
}

// Server is a type for UDP server which handles connections.
type Server struct {
	Config   Config
	Handler  *Handler
	Announce Announce
	Stats    Stats
	Checker  Checker
	tasks    chan task
}

// reusePort sets SO_REUSEPORT so several listeners can share an address
func reusePort(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

func (s *Server) listen(ctx context.Context, ip net.IP) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: reusePort}
	pc, err := lc.ListenPacket(ctx, "udp", net.JoinHostPort(ip.String(), strconv.Itoa(s.Config.Port)))
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)
	if s.Config.DSCP != 0 {
		if err := dscp.EnablePacketConn(conn, s.Config.DSCP); err != nil {
			conn.Close()
			return nil, fmt.Errorf("setting DSCP: %w", err)
		}
	}
	return conn, nil
}

// Start UDP server.
func (s *Server) Start(ctx context.Context, cancelFunc context.CancelFunc) {
	log.Infof("Creating %d goroutine workers", s.Config.Workers)
	s.tasks = make(chan task, s.Config.Workers)
	// Pre-create workers
	for i := 0; i < s.Config.Workers; i++ {
		go s.startWorker(ctx)
	}

	log.Infof("Starting %d listener(s)", len(s.Config.IPs))

	for _, ip := range s.Config.IPs {
		log.Infof("Starting listener on %s:%d", ip.String(), s.Config.Port)

		go func(ip net.IP) {
			if s.Config.ManageLoopback {
				if err := s.setServiceIP(ip, true); err != nil {
					log.Errorf("[server]: %v", err)
				}
			}

			conn, err := s.listen(ctx, ip)
			if err != nil {
				log.Errorf("[server] listening error: %v", err)
				cancelFunc()
				return
			}
			go func() {
				<-ctx.Done()
				conn.Close()
			}()
			s.startListener(ctx, conn)
		}(ip)
	}

	// Run checker periodically
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Minute):
			}
			log.Debug("[Checker] running internal health checks")
			err := s.Checker.Check()
			if err != nil {
				log.Errorf("[Checker] internal error: %v", err)
				cancelFunc()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(30 * time.Second):
			if s.Handler.Limiter != nil {
				if n := s.Handler.Limiter.Expire(time.Now().Add(-limiterTTL)); n > 0 {
					log.Debugf("[server] expired %d rate limit buckets", n)
				}
			}
			if s.Config.ShouldAnnounce {
				// First run will be 30 seconds delayed
				log.Debug("Requesting VIPs announce")
				err := s.Announce.Advertise(s.Config.IPs)
				if err != nil {
					log.Errorf("Error during announcement: %v", err)
					s.Stats.ResetAnnounce()
				} else {
					s.Stats.SetAnnounce()
				}
			} else {
				s.Stats.ResetAnnounce()
			}
		}
	}
}

// Stop will stop announcement, delete IPs from interfaces
func (s *Server) Stop() {
	if err := s.Announce.Withdraw(); err != nil {
		log.Errorf("[server] failed to withdraw announce: %v", err)
	}
	if s.Config.ManageLoopback {
		s.releaseServiceIPs()
	}
}

func (s *Server) startListener(ctx context.Context, conn *net.UDPConn) {
	s.Stats.IncListeners()
	defer s.Stats.DecListeners()
	s.Checker.IncListeners()
	defer s.Checker.DecListeners()

	buf := make([]byte, payloadSize)
	for {
		n, addr, err := conn.ReadFromUDPAddrPort(buf)
		received := time.Now()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Warning("listener connection closed, exiting listener server")
				return
			}
			log.Errorf("Failed to read packet on %s: %v", conn.LocalAddr(), err)
			s.Stats.IncReadError()
			continue
		}
		s.Stats.IncRequests()
		request := make([]byte, n)
		copy(request, buf[:n])
		select {
		case s.tasks <- task{conn: conn, addr: addr, received: received, request: request}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) startWorker(ctx context.Context) {
	s.Checker.IncWorkers()
	defer s.Checker.DecWorkers()
	s.Stats.IncWorkers()
	defer s.Stats.DecWorkers()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.tasks:
			s.serve(t)
		}
	}
}

// serve answers one request and accounts for the outcome
func (s *Server) serve(t task) {
	resp, outcome := s.Handler.Respond(t.request, t.addr.Addr(), t.received.Add(s.Config.ExtraOffset), time.Now().Add(s.Config.ExtraOffset))
	switch outcome {
	case Ignore:
		s.Stats.IncInvalidFormat()
	case NAK:
		s.Stats.IncNAKs()
	case Denied:
		s.Stats.IncDenied()
	case RateLimited:
		s.Stats.IncRateLimited()
	case NTSResponse:
		s.Stats.IncNTSResponses()
	}
	if resp == nil {
		return
	}
	if _, err := t.conn.WriteToUDPAddrPort(resp, t.addr); err != nil {
		log.Debugf("Failed to respond to the request: %v", err)
		return
	}
	s.Stats.IncResponses()
}

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
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/yonasBSD/ntpd-rs/dscp"
	"github.com/yonasBSD/ntpd-rs/ntp/ipfilter"
	"github.com/yonasBSD/ntpd-rs/ntp/ntske"
)

// DefaultKETimeout bounds one key exchange connection
const DefaultKETimeout = 5 * time.Second

// KEServer serves NTS key exchange over TLS
type KEServer struct {
	Address   string
	TLSConfig *tls.Config
	Config    ntske.ServerConfig
	Timeout   time.Duration
	// Filter rejects denied clients before the TLS handshake
	Filter *ipfilter.Filter
	DSCP   int
	Stats  Stats
}

// ListenAndServe listens on Address and serves until ctx is done
func (k *KEServer) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", k.Address)
	if err != nil {
		return err
	}
	log.Infof("[ntske] listening on %s", ln.Addr())
	return k.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done
func (k *KEServer) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			log.Errorf("[ntske] accept failed: %v", err)
			continue
		}
		go k.handle(ctx, conn)
	}
}

func (k *KEServer) allowed(conn net.Conn) bool {
	addr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return true
	}
	ip, ok := netip.AddrFromSlice(addr.IP)
	return !ok || k.Filter.Evaluate(ip) != ipfilter.Deny
}

func (k *KEServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if !k.allowed(conn) {
		log.Debugf("[ntske] denied %s", conn.RemoteAddr())
		return
	}
	if k.DSCP != 0 {
		if err := dscp.EnableConn(conn, k.DSCP); err != nil {
			log.Warningf("[ntske] setting DSCP: %v", err)
		}
	}
	timeout := k.Timeout
	if timeout == 0 {
		timeout = DefaultKETimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := k.exchange(ctx, tls.Server(conn, k.TLSConfig)); err != nil {
		log.Debugf("[ntske] %s: %v", conn.RemoteAddr(), err)
		if k.Stats != nil {
			k.Stats.IncKeyExchangeErrors()
		}
		return
	}
	if k.Stats != nil {
		k.Stats.IncKeyExchanges()
	}
}

func (k *KEServer) exchange(ctx context.Context, conn *tls.Conn) error {
	if err := conn.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("tls handshake: %w", err)
	}
	if p := conn.ConnectionState().NegotiatedProtocol; p != ntske.ALPN {
		return fmt.Errorf("client negotiated alpn %q", p)
	}
	return ntske.Serve(ctx, conn, k.Config)
}

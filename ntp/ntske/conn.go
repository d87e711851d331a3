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
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strconv"
	"time"
)

// ALPN is the application protocol negotiated on key exchange connections
const ALPN = "ntske/1"

// DefaultPort is the NTS-KE TCP port
const DefaultPort = 4460

// readChunk is how much is read from the stream at once
const readChunk = 1024

// Conn is an established TLS stream. *tls.Conn implements it.
type Conn interface {
	io.ReadWriter
	ConnectionState() tls.ConnectionState
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

type handshaker interface {
	HandshakeContext(ctx context.Context) error
}

// prepare completes the TLS handshake and propagates the context deadline
// to the stream where the stream supports it
func prepare(ctx context.Context, conn Conn) error {
	if err := ctx.Err(); err != nil {
		return ioError("before handshake", err)
	}
	if d, ok := conn.(deadliner); ok {
		if deadline, ok := ctx.Deadline(); ok {
			_ = d.SetDeadline(deadline)
		}
	}
	if h, ok := conn.(handshaker); ok {
		if err := h.HandshakeContext(ctx); err != nil {
			return ioError("tls handshake", err)
		}
	}
	return nil
}

func ioError(msg string, err error) error {
	var kerr *KeyExchangeError
	if errors.As(err, &kerr) {
		return err
	}
	return &KeyExchangeError{Kind: KindIO, Msg: msg, Err: err}
}

// Exchange runs the client side of a key exchange over conn
func Exchange(ctx context.Context, conn Conn, cfg ClientConfig) (*Session, error) {
	if err := prepare(ctx, conn); err != nil {
		return nil, err
	}
	c := NewClient(cfg)
	req, err := c.Request()
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		return nil, ioError("sending request", err)
	}
	buf := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, ioError("waiting for response", err)
		}
		n, rerr := conn.Read(buf)
		if n > 0 {
			done, err := c.Receive(buf[:n])
			if err != nil {
				return nil, err
			}
			if done {
				break
			}
		}
		if rerr != nil {
			return nil, ioError("reading response", rerr)
		}
	}
	cs := conn.ConnectionState()
	return c.Result(&cs)
}

// Serve runs the server side of a key exchange over conn
func Serve(ctx context.Context, conn Conn, cfg ServerConfig) error {
	if err := prepare(ctx, conn); err != nil {
		return err
	}
	s := NewServerSession(cfg)
	buf := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return ioError("waiting for request", err)
		}
		n, rerr := conn.Read(buf)
		if n > 0 {
			done, err := s.Receive(buf[:n])
			if err != nil {
				return err
			}
			if done {
				break
			}
		}
		if rerr != nil {
			return ioError("reading request", rerr)
		}
	}
	cs := conn.ConnectionState()
	resp, err := s.Response(&cs)
	if err != nil {
		return err
	}
	if _, err := conn.Write(resp); err != nil {
		return ioError("sending response", err)
	}
	return s.Err()
}

// TLSClientConfig returns a TLS 1.3 client config offering the NTS-KE ALPN
func TLSClientConfig(serverName string, base *tls.Config) *tls.Config {
	var c *tls.Config
	if base != nil {
		c = base.Clone()
	} else {
		c = &tls.Config{}
	}
	c.ServerName = serverName
	c.MinVersion = tls.VersionTLS13
	c.NextProtos = []string{ALPN}
	return c
}

// TLSServerConfig returns a TLS 1.3 server config for the given certificates
func TLSServerConfig(certs []tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: certs,
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{ALPN},
	}
}

// Dial connects to a key exchange server and runs the exchange.
// address may omit the port, DefaultPort is used then.
func Dial(ctx context.Context, address string, cfg ClientConfig, tlsConfig *tls.Config) (*Session, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host, port = address, strconv.Itoa(DefaultPort)
	}
	if cfg.Host == "" {
		cfg.Host = host
	}
	dialer := &tls.Dialer{Config: TLSClientConfig(host, tlsConfig)}
	nc, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, ioError("dialing "+address, err)
	}
	defer nc.Close()
	conn := nc.(*tls.Conn)
	if p := conn.ConnectionState().NegotiatedProtocol; p != ALPN {
		return nil, protocolError("server negotiated alpn %q", p)
	}
	return Exchange(ctx, conn, cfg)
}

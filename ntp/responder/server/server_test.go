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
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yonasBSD/ntpd-rs/ntp/responder/checker"
	"github.com/yonasBSD/ntpd-rs/ntp/responder/stats"
	"github.com/yonasBSD/ntpd-rs/ntp/source"
)

func testServer(t *testing.T) (*Server, *stats.JSONStats) {
	cfg := DefaultConfig()
	cfg.Port = 0
	st := &stats.JSONStats{}
	s := &Server{
		Config:  cfg,
		Handler: &Handler{Config: &cfg},
		Stats:   st,
		Checker: &checker.SimpleChecker{
			ExpectedListeners: 1,
			ExpectedWorkers:   1,
		},
		tasks: make(chan task, 1),
	}
	return s, st
}

func TestListenerAndWorker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, st := testServer(t)

	conn, err := s.listen(ctx, net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer conn.Close()
	go s.startWorker(ctx)
	go s.startListener(ctx, conn)

	require.Eventually(t, func() bool {
		return s.Checker.Check() == nil
	}, time.Second, 10*time.Millisecond)

	src, err := source.New(source.Config{Address: conn.LocalAddr().String()}, nil)
	require.NoError(t, err)
	sample, err := src.Query(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, uint8(1), sample.Stratum)

	require.Eventually(t, func() bool {
		return st.Snapshot()["responses"] == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), st.Snapshot()["requests"])
	require.Equal(t, int64(1), st.Snapshot()["listeners"])
	require.Equal(t, int64(1), st.Snapshot()["workers"])
}

func TestListenerExitsOnClose(t *testing.T) {
	s, st := testServer(t)
	conn, err := s.listen(context.Background(), net.ParseIP("127.0.0.1"))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		s.startListener(context.Background(), conn)
		close(done)
	}()
	require.Eventually(t, func() bool {
		return st.Snapshot()["listeners"] == 1
	}, time.Second, 10*time.Millisecond)
	conn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not exit")
	}
	require.Equal(t, int64(0), st.Snapshot()["listeners"])
}

func TestListenerExitsOnCancelWithFullQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, st := testServer(t)
	// no workers, one queued task fills the queue
	s.tasks <- task{}
	conn, err := s.listen(ctx, net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		s.startListener(ctx, conn)
		close(done)
	}()
	client, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()
	_, err = client.Write(make([]byte, 48))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return st.Snapshot()["requests"] == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener stayed blocked on the full queue")
	}
	require.Equal(t, int64(0), st.Snapshot()["listeners"])
}

func TestServeInvalid(t *testing.T) {
	s, st := testServer(t)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer conn.Close()

	s.serve(task{conn: conn, addr: conn.LocalAddr().(*net.UDPAddr).AddrPort(), received: time.Now(), request: []byte{1, 2, 3}})
	require.Equal(t, int64(1), st.Snapshot()["invalidformat"])
	require.Equal(t, int64(0), st.Snapshot()["responses"])
}

func TestListenDSCP(t *testing.T) {
	s, _ := testServer(t)
	s.Config.DSCP = 46
	conn, err := s.listen(context.Background(), net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	conn.Close()
}

func TestServiceIPErrors(t *testing.T) {
	s, _ := testServer(t)
	s.Config.Iface = "ntsd-missing0"
	require.Error(t, s.setServiceIP(net.ParseIP("192.0.2.1"), true))
	require.Error(t, s.setServiceIP(net.ParseIP("192.0.2.1"), false))

	s.Config.Iface = "lo"
	require.Error(t, s.setServiceIP(nil, true))
}

func TestServiceIPAlreadyPresent(t *testing.T) {
	s, _ := testServer(t)
	s.Config.Iface = "lo"
	// nothing to do, so no netlink access is needed
	require.NoError(t, s.setServiceIP(net.ParseIP("127.0.0.1"), true))
	require.NoError(t, s.setServiceIP(net.ParseIP("192.0.2.1"), false))
}

func TestServicePrefix(t *testing.T) {
	p, err := servicePrefix(net.ParseIP("192.0.2.1"))
	require.NoError(t, err)
	require.Equal(t, "192.0.2.1/32", p.String())

	p, err = servicePrefix(net.ParseIP("2001:db8::1"))
	require.NoError(t, err)
	require.Equal(t, "2001:db8::1/64", p.String())
}

func TestHasAddr(t *testing.T) {
	iface, err := net.InterfaceByName("lo")
	require.NoError(t, err)
	found, err := hasAddr(iface, netip.MustParseAddr("127.0.0.1"))
	require.NoError(t, err)
	require.True(t, found)
	found, err = hasAddr(iface, netip.MustParseAddr("192.0.2.1"))
	require.NoError(t, err)
	require.False(t, found)
}

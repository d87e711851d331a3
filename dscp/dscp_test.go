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

package dscp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

func connFd(t *testing.T, conn *net.UDPConn) int {
	sc, err := conn.SyscallConn()
	require.NoError(t, err)
	var fd int
	err = sc.Control(func(f uintptr) { fd = int(f) })
	require.NoError(t, err)
	return fd
}

func TestEnableDSCP(t *testing.T) {
	conn4, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn4.Close()
	err = Enable(connFd(t, conn4), net.ParseIP("127.0.0.1"), 42)
	require.NoError(t, err)

	conn6, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("::"), Port: 0})
	require.NoError(t, err)
	defer conn6.Close()
	err = Enable(connFd(t, conn6), net.ParseIP("::"), 42)
	require.NoError(t, err)

	require.Error(t, Enable(connFd(t, conn4), net.ParseIP("127.0.0.1"), 64))
}

func TestEnablePacketConn(t *testing.T) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, EnablePacketConn(conn, 46))
	tos, err := ipv4.NewPacketConn(conn).TOS()
	require.NoError(t, err)
	require.Equal(t, 46<<2, tos)

	require.Error(t, EnablePacketConn(conn, -1))
}

func TestEnableConn(t *testing.T) {
	srv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer srv.Close()
	conn, err := net.Dial("udp", srv.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, EnableConn(conn, 10))
	tos, err := ipv4.NewConn(conn).TOS()
	require.NoError(t, err)
	require.Equal(t, 10<<2, tos)
}

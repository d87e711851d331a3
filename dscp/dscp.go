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

// Package dscp marks outgoing NTP and NTS-KE traffic with a DSCP value
package dscp

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// MaxValue is the largest 6 bit DSCP
const MaxValue = 63

func check(dscp int) error {
	if dscp < 0 || dscp > MaxValue {
		return fmt.Errorf("dscp %d out of range 0-%d", dscp, MaxValue)
	}
	return nil
}

// Enable sets DSCP on a raw socket bound to localAddr
func Enable(fd int, localAddr net.IP, dscp int) error {
	if err := check(dscp); err != nil {
		return err
	}
	if localAddr.To4() == nil {
		return unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, dscp<<2)
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, dscp<<2)
}

// EnableConn sets DSCP on a UDP or TCP connection
func EnableConn(conn net.Conn, dscp int) error {
	if err := check(dscp); err != nil {
		return err
	}
	var ip net.IP
	switch a := conn.LocalAddr().(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.TCPAddr:
		ip = a.IP
	default:
		return fmt.Errorf("unsupported local address %T", a)
	}
	if ip.To4() == nil {
		return ipv6.NewConn(conn).SetTrafficClass(dscp << 2)
	}
	return ipv4.NewConn(conn).SetTOS(dscp << 2)
}

// EnablePacketConn sets DSCP on a listening UDP socket
func EnablePacketConn(conn *net.UDPConn, dscp int) error {
	if err := check(dscp); err != nil {
		return err
	}
	if conn.LocalAddr().(*net.UDPAddr).IP.To4() == nil {
		return ipv6.NewPacketConn(conn).SetTrafficClass(dscp << 2)
	}
	return ipv4.NewPacketConn(conn).SetTOS(dscp << 2)
}

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
	"fmt"
	"net"
	"net/netip"

	"github.com/jsimonetti/rtnetlink/rtnl"
	log "github.com/sirupsen/logrus"
	"go4.org/netipx"
)

// IPv6 service addresses are assigned as /64 so neighbour discovery keeps
// answering for the whole subnet, IPv4 ones as host routes
const (
	vip4Bits = 32
	vip6Bits = 64
)

// servicePrefix is what gets assigned to the interface for a service IP
func servicePrefix(ip net.IP) (netip.Prefix, error) {
	addr, ok := netipx.FromStdIP(ip)
	if !ok {
		return netip.Prefix{}, fmt.Errorf("invalid service ip %v", ip)
	}
	if addr.Is4() {
		return netip.PrefixFrom(addr, vip4Bits), nil
	}
	return netip.PrefixFrom(addr, vip6Bits), nil
}

// hasAddr reports whether addr is assigned to iface
func hasAddr(iface *net.Interface, addr netip.Addr) (bool, error) {
	assigned, err := iface.Addrs()
	if err != nil {
		return false, err
	}
	for _, a := range assigned {
		var std net.IP
		switch v := a.(type) {
		case *net.IPNet:
			std = v.IP
		case *net.IPAddr:
			std = v.IP
		}
		if got, ok := netipx.FromStdIP(std); ok && got == addr {
			return true, nil
		}
	}
	return false, nil
}

// setServiceIP makes sure ip is present on (or absent from) the configured
// interface. Nothing is sent over netlink when it already is.
func (s *Server) setServiceIP(ip net.IP, present bool) error {
	iface, err := net.InterfaceByName(s.Config.Iface)
	if err != nil {
		return fmt.Errorf("looking up %s: %w", s.Config.Iface, err)
	}
	prefix, err := servicePrefix(ip)
	if err != nil {
		return err
	}
	has, err := hasAddr(iface, prefix.Addr())
	if err != nil {
		return err
	}
	if has == present {
		return nil
	}

	conn, err := rtnl.Dial(nil)
	if err != nil {
		return fmt.Errorf("netlink: %w", err)
	}
	defer conn.Close()
	if present {
		log.Debugf("[server] assigning %s to %s", prefix, s.Config.Iface)
		err = conn.AddrAdd(iface, netipx.PrefixIPNet(prefix))
	} else {
		log.Debugf("[server] removing %s from %s", prefix, s.Config.Iface)
		err = conn.AddrDel(iface, netipx.PrefixIPNet(prefix))
	}
	if err != nil {
		return fmt.Errorf("updating %s on %s: %w", prefix, s.Config.Iface, err)
	}
	return nil
}

// releaseServiceIPs removes every configured service IP, carrying on past failures
func (s *Server) releaseServiceIPs() {
	for _, ip := range s.Config.IPs {
		if err := s.setServiceIP(ip, false); err != nil {
			log.Errorf("[server] %v", err)
		}
	}
}

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
Package announce implements announcement of the responder service IPs.
Sites plug in their own mechanism (BGP, keepalived, anycast controllers);
the implementations here only record what would be announced.
*/
package announce

import (
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// NoopAnnounce is a noop implementation of Announce interface
// Use it if no IP advertisement is required
type NoopAnnounce struct{}

// Advertise is implementing Advertise interface. Doing nothing
func (n *NoopAnnounce) Advertise([]net.IP) error {
	return nil
}

// Withdraw is implementing Withdraw interface. Doing nothing
func (n *NoopAnnounce) Withdraw() error {
	return nil
}

// LogAnnounce logs announcement changes and remembers the advertised IPs
type LogAnnounce struct {
	mu  sync.Mutex
	ips []net.IP
}

// Advertise logs the IPs the first time they are announced
func (l *LogAnnounce) Advertise(ips []net.IP) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ips == nil {
		log.Infof("[announce] advertising %v", ips)
	}
	l.ips = append(l.ips[:0], ips...)
	return nil
}

// Withdraw logs and forgets the announced IPs
func (l *LogAnnounce) Withdraw() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ips != nil {
		log.Infof("[announce] withdrawing %v", l.ips)
	}
	l.ips = nil
	return nil
}

// Advertised returns the IPs currently announced
func (l *LogAnnounce) Advertised() []net.IP {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]net.IP(nil), l.ips...)
}

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
	"net"
)

// Stats receives the responder counters. Implementations must be safe for
// concurrent use, every listener and worker reports into the same one.
type Stats interface {
	// packets
	IncRequests()
	IncResponses()
	IncInvalidFormat()
	IncReadError()

	// outcomes of access control and authentication
	IncNTSResponses()
	IncNAKs()
	IncDenied()
	IncRateLimited()

	// key exchange sessions, successful or not
	IncKeyExchanges()
	IncKeyExchangeErrors()

	// running goroutines
	IncListeners()
	DecListeners()
	IncWorkers()
	DecWorkers()

	// SetAnnounce and ResetAnnounce flag whether service IPs are advertised
	SetAnnounce()
	ResetAnnounce()
}

// Announce advertises the service IPs to the network
type Announce interface {
	// Advertise is called every announce period and must not block
	Advertise([]net.IP) error
	Withdraw() error
}

// Checker tracks listener and worker goroutines for health checks
type Checker interface {
	// Check fails when the responder is no longer serving as configured
	Check() error

	IncListeners()
	DecListeners()
	IncWorkers()
	DecWorkers()
}

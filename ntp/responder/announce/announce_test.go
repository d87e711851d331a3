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

package announce

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopAnnounce(t *testing.T) {
	n := &NoopAnnounce{}
	require.NoError(t, n.Advertise([]net.IP{net.ParseIP("192.0.2.1")}))
	require.NoError(t, n.Withdraw())
}

func TestLogAnnounce(t *testing.T) {
	l := &LogAnnounce{}
	require.Empty(t, l.Advertised())

	ips := []net.IP{net.ParseIP("192.0.2.1"), net.ParseIP("2001:db8::1")}
	require.NoError(t, l.Advertise(ips))
	require.NoError(t, l.Advertise(ips))
	require.Equal(t, ips, l.Advertised())

	require.NoError(t, l.Withdraw())
	require.Empty(t, l.Advertised())
}

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
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurst(t *testing.T) {
	r := NewRateLimiter(1, 3, 4)
	addr := netip.MustParseAddr("192.0.2.1")
	for i := 0; i < 3; i++ {
		require.True(t, r.Allow(addr, ts))
	}
	require.False(t, r.Allow(addr, ts))
	require.True(t, r.Allow(addr, ts.Add(time.Second)))
	require.False(t, r.Allow(addr, ts.Add(time.Second)))

	// other clients have their own bucket
	require.True(t, r.Allow(netip.MustParseAddr("192.0.2.2"), ts))
	require.Equal(t, 2, r.Len())
}

func TestRateLimiterClientKey(t *testing.T) {
	require.Equal(t, netip.MustParseAddr("192.0.2.1"), clientKey(netip.MustParseAddr("::ffff:192.0.2.1")))
	require.Equal(t, netip.MustParseAddr("2001:db8:1:2::"), clientKey(netip.MustParseAddr("2001:db8:1:2:aaaa::1")))

	r := NewRateLimiter(1, 1, 2)
	require.True(t, r.Allow(netip.MustParseAddr("2001:db8::1"), ts))
	// same /64
	require.False(t, r.Allow(netip.MustParseAddr("2001:db8::2"), ts))
	require.True(t, r.Allow(netip.MustParseAddr("2001:db8:0:1::1"), ts))
}

func TestRateLimiterExpire(t *testing.T) {
	r := NewRateLimiter(1, 1, 0)
	r.Allow(netip.MustParseAddr("192.0.2.1"), ts)
	r.Allow(netip.MustParseAddr("192.0.2.2"), ts.Add(time.Minute))
	require.Equal(t, 1, r.Expire(ts.Add(time.Second)))
	require.Equal(t, 1, r.Len())
	require.Equal(t, 1, r.Expire(ts.Add(time.Hour)))
	require.Equal(t, 0, r.Len())
}

func BenchmarkRateLimiter(b *testing.B) {
	r := NewRateLimiter(1000, 1000, 16)
	addr := netip.MustParseAddr("192.0.2.1")
	for i := 0; i < b.N; i++ {
		r.Allow(addr, ts)
	}
}

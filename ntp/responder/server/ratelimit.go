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
	"sync"
	"time"

	"github.com/cespare/xxhash"
	"golang.org/x/time/rate"
)

// ipv6ClientBits is how much of an IPv6 address identifies one client
const ipv6ClientBits = 64

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

type limiterShard struct {
	sync.Mutex
	buckets map[netip.Addr]*bucket
}

// RateLimiter keeps a token bucket per client. Buckets are spread over
// shards by address hash so workers rarely contend.
type RateLimiter struct {
	limit  rate.Limit
	burst  int
	shards []*limiterShard
}

// NewRateLimiter allows each client rps requests per second with bursts of burst
func NewRateLimiter(rps float64, burst, shards int) *RateLimiter {
	if shards < 1 {
		shards = 1
	}
	r := &RateLimiter{limit: rate.Limit(rps), burst: burst, shards: make([]*limiterShard, shards)}
	for i := range r.shards {
		r.shards[i] = &limiterShard{buckets: map[netip.Addr]*bucket{}}
	}
	return r
}

// clientKey maps an address to the client it represents: the whole address
// for IPv4, the /64 for IPv6
func clientKey(addr netip.Addr) netip.Addr {
	addr = addr.Unmap()
	if addr.Is6() {
		if p, err := addr.Prefix(ipv6ClientBits); err == nil {
			return p.Addr()
		}
	}
	return addr
}

func (r *RateLimiter) shard(key netip.Addr) *limiterShard {
	b := key.As16()
	return r.shards[xxhash.Sum64(b[:])%uint64(len(r.shards))]
}

// Allow takes a token from the client's bucket at now
func (r *RateLimiter) Allow(addr netip.Addr, now time.Time) bool {
	key := clientKey(addr)
	s := r.shard(key)
	s.Lock()
	defer s.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(r.limit, r.burst)}
		s.buckets[key] = b
	}
	b.seen = now
	return b.limiter.AllowN(now, 1)
}

// Expire forgets clients not seen since before, returning how many were dropped
func (r *RateLimiter) Expire(before time.Time) int {
	n := 0
	for _, s := range r.shards {
		s.Lock()
		for k, b := range s.buckets {
			if b.seen.Before(before) {
				delete(s.buckets, k)
				n++
			}
		}
		s.Unlock()
	}
	return n
}

// Len is the number of tracked clients
func (r *RateLimiter) Len() int {
	n := 0
	for _, s := range r.shards {
		s.Lock()
		n += len(s.buckets)
		s.Unlock()
	}
	return n
}

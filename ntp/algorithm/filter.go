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

package algorithm

import (
	"math"
	"sort"
	"sync"

	"github.com/eclesh/welford"
	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
)

// SourceStats summarises the sample window of one source
type SourceStats struct {
	ID string
	// Offset and Delay come from the minimum delay sample
	Offset protocol.Duration
	Delay  protocol.Duration
	// Dispersion of the best sample, aged by PHI up to the evaluation time
	Dispersion protocol.Duration
	// Jitter is the RMS offset difference to the best sample
	Jitter         protocol.Duration
	Stratum        uint8
	Leap           protocol.LeapIndicator
	RootDelay      protocol.Duration
	RootDispersion protocol.Duration
	// Time of the newest sample
	Time protocol.Timestamp
	// Samples in the window
	Samples int
	// OffsetStddev is the standard deviation of all window offsets, in seconds
	OffsetStddev float64
}

// window is the bounded sample history of one source. Samples are ordered oldest first.
type window struct {
	sync.Mutex
	samples []ClockSample
}

// add appends s and evicts samples beyond size or older than maxAge relative to s
func (w *window) add(s ClockSample, size int, maxAge protocol.Duration) {
	w.samples = append(w.samples, s)
	if len(w.samples) > size {
		w.samples = w.samples[len(w.samples)-size:]
	}
	kept := w.samples[:0]
	for _, old := range w.samples {
		if s.Time.Sub(old.Time) <= maxAge {
			kept = append(kept, old)
		}
	}
	w.samples = kept
}

// stats applies the clock filter to the window as seen at now.
// ok is false when no sample is young enough.
func (w *window) stats(now protocol.Timestamp, maxAge protocol.Duration, precision protocol.Duration) (SourceStats, bool) {
	type aged struct {
		ClockSample
		disp float64
	}
	var valid []aged
	for _, s := range w.samples {
		age := now.Sub(s.Time)
		if age > maxAge {
			continue
		}
		if age < 0 {
			age = 0
		}
		valid = append(valid, aged{ClockSample: s, disp: s.Dispersion.Seconds() + protocol.PHI*age.Seconds()})
	}
	if len(valid) == 0 {
		return SourceStats{}, false
	}
	newest := valid[len(valid)-1]

	var stddev float64
	if len(valid) > 1 {
		acc := welford.New()
		for _, s := range valid {
			acc.Add(s.Offset.Seconds())
		}
		stddev = acc.Stddev()
	}

	sort.SliceStable(valid, func(i, j int) bool {
		return valid[i].Delay < valid[j].Delay
	})
	best := valid[0]

	var jitter float64
	for _, s := range valid[1:] {
		d := best.Offset.Seconds() - s.Offset.Seconds()
		jitter += d * d
	}
	if len(valid) > 1 {
		jitter /= float64(len(valid) - 1)
	}
	jitter = math.Max(math.Sqrt(jitter), precision.Seconds())

	return SourceStats{
		Offset:         best.Offset,
		Delay:          best.Delay,
		Dispersion:     protocol.DurationFromSeconds(math.Min(best.disp, protocol.MaxDispersion.Seconds())),
		Jitter:         protocol.DurationFromSeconds(jitter),
		Stratum:        newest.Stratum,
		Leap:           newest.Leap,
		RootDelay:      newest.RootDelay,
		RootDispersion: newest.RootDispersion,
		Time:           newest.Time,
		Samples:        len(valid),
		OffsetStddev:   stddev,
	}, true
}

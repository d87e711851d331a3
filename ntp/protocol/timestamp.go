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

package protocol

import (
	"fmt"
	"math"
	"time"
)

// SecondsToUnix is the difference between NTP era 0 and Unix epoch in seconds
const SecondsToUnix = int64(2208988800)

// eraSeconds is the length of one NTP era (2^32 seconds, ~136 years)
const eraSeconds = int64(1) << 32

// fracScale converts between 32.32 fixed point and float seconds
const fracScale = float64(1 << 32)

// MaxDispersion is the maximum dispersion a sample may carry (RFC 5905 MAXDISP)
var MaxDispersion = DurationFromSeconds(16)

// PHI is the assumed frequency tolerance of a clock, 15 ppm
const PHI = 15e-6

// Timestamp is an NTP timestamp: 32 bits of seconds within the current era
// followed by 32 bits of fraction.
type Timestamp uint64

// NewTimestamp builds a Timestamp from its seconds and fraction parts
func NewTimestamp(seconds, fraction uint32) Timestamp {
	return Timestamp(uint64(seconds)<<32 | uint64(fraction))
}

// TimestampFromTime converts wall clock time into an NTP timestamp.
// Era information is dropped.
func TimestampFromTime(t time.Time) Timestamp {
	sec := t.Unix() + SecondsToUnix
	frac := (uint64(t.Nanosecond()) << 32) / uint64(time.Second)
	return NewTimestamp(uint32(sec), uint32(frac))
}

// Seconds returns the seconds part of the timestamp
func (t Timestamp) Seconds() uint32 {
	return uint32(t >> 32)
}

// Fraction returns the fractional part of the timestamp
func (t Timestamp) Fraction() uint32 {
	return uint32(t)
}

// Sub returns t - u. The result is correct as long as the two timestamps are
// less than half an era apart, including across an era boundary.
func (t Timestamp) Sub(u Timestamp) Duration {
	return Duration(int64(t - u))
}

// Add returns the timestamp shifted by d, wrapping at the era boundary
func (t Timestamp) Add(d Duration) Timestamp {
	return t + Timestamp(d)
}

// Before reports whether t is earlier than u
func (t Timestamp) Before(u Timestamp) bool {
	return t.Sub(u) < 0
}

// After reports whether t is later than u
func (t Timestamp) After(u Timestamp) bool {
	return t.Sub(u) > 0
}

// IsZero reports whether the timestamp is unset
func (t Timestamp) IsZero() bool {
	return t == 0
}

// Era returns the NTP era the wall clock time belongs to
func Era(t time.Time) int64 {
	sec := t.Unix() + SecondsToUnix
	era := sec / eraSeconds
	if sec < 0 && sec%eraSeconds != 0 {
		era--
	}
	return era
}

// Time converts the timestamp to wall clock time. The era is picked so that
// the result is within half an era (~68 years) of hint.
func (t Timestamp) Time(hint time.Time) time.Time {
	hintSec := hint.Unix() + SecondsToUnix
	sec := Era(hint)*eraSeconds + int64(t.Seconds())
	switch {
	case sec-hintSec > eraSeconds/2:
		sec -= eraSeconds
	case hintSec-sec > eraSeconds/2:
		sec += eraSeconds
	}
	nanos := (uint64(t.Fraction()) * uint64(time.Second)) >> 32
	return time.Unix(sec-SecondsToUnix, int64(nanos))
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%09d", t.Seconds(), (uint64(t.Fraction())*uint64(time.Second))>>32)
}

// Duration is a signed 32.32 fixed point number of seconds
type Duration int64

// DurationFromSeconds converts float seconds, saturating on overflow
func DurationFromSeconds(s float64) Duration {
	v := math.Round(s * fracScale)
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt64:
		return Duration(math.MaxInt64)
	case v <= math.MinInt64:
		return Duration(math.MinInt64)
	}
	return Duration(v)
}

// DurationFromStd converts a time.Duration
func DurationFromStd(d time.Duration) Duration {
	sec := int64(d / time.Second)
	nsec := int64(d % time.Second)
	return Duration(sec<<32 + (nsec<<32)/int64(time.Second))
}

// DurationFromExponent returns 2^exp seconds, the encoding used for poll and precision
func DurationFromExponent(exp int8) Duration {
	shift := 32 + int(exp)
	switch {
	case shift < 0:
		return 0
	case shift > 62:
		return Duration(math.MaxInt64)
	}
	return Duration(int64(1) << shift)
}

// Seconds returns the duration as float seconds
func (d Duration) Seconds() float64 {
	return float64(d) / fracScale
}

// Std converts to time.Duration
func (d Duration) Std() time.Duration {
	sec := int64(d) >> 32
	frac := uint64(d) & 0xffffffff
	return time.Duration(sec)*time.Second + time.Duration((frac*uint64(time.Second))>>32)
}

// Abs returns the absolute value of d
func (d Duration) Abs() Duration {
	if d < 0 {
		return -d
	}
	return d
}

func (d Duration) String() string {
	return d.Std().String()
}

// Short is the NTPv4 16.16 unsigned format used for root delay and dispersion
type Short uint32

// ShortFromDuration converts d to 16.16, clamping to the representable range
func ShortFromDuration(d Duration) Short {
	if d < 0 {
		return 0
	}
	v := uint64(d) >> 16
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return Short(v)
}

// Duration converts back to a 32.32 duration
func (s Short) Duration() Duration {
	return Duration(uint64(s) << 16)
}

// Time32 is the NTPv5 4.28 unsigned format used for root delay and dispersion
type Time32 uint32

// Time32FromDuration converts d to 4.28, clamping to the representable range
func Time32FromDuration(d Duration) Time32 {
	if d < 0 {
		return 0
	}
	v := uint64(d) >> 4
	if v > math.MaxUint32 {
		return math.MaxUint32
	}
	return Time32(v)
}

// Duration converts back to a 32.32 duration
func (t Time32) Duration() Duration {
	return Duration(uint64(t) << 4)
}

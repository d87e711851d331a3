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

// Package leap reads the leap second table from the system timezone database
// and derives the leap indicator a server announces.
package leap

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
)

// DefaultFile is the tzfile with leap second records
const DefaultFile = "/usr/share/zoneinfo/right/UTC"

const magic = "TZif"

var (
	errBadData            = errors.New("malformed time zone information")
	errUnsupportedVersion = errors.New("unsupported version")
	errNoLeapSeconds      = errors.New("no leap seconds information found")
)

// Second is one leap second record
type Second struct {
	// Tleap is the transition time on the right/ timescale, which counts earlier leap seconds
	Tleap uint64
	// Nleap is the total correction after the transition
	Nleap int32
}

// Time is the UTC instant the correction takes effect
func (s Second) Time() time.Time {
	return time.Unix(int64(s.Tleap)-int64(s.Nleap)+1, 0).UTC()
}

// header counts, in file order
type header struct {
	IsUtCnt  uint32
	IsStdCnt uint32
	LeapCnt  uint32
	TimeCnt  uint32
	TypeCnt  uint32
	CharCnt  uint32
}

// Table is the list of leap seconds, oldest first
type Table []Second

// Load reads the table from path. Pass "" for DefaultFile.
func Load(path string) (Table, error) {
	if path == "" {
		path = DefaultFile
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f)
}

func readHeader(r io.Reader) (byte, header, error) {
	var pre [20]byte
	var h header
	if _, err := io.ReadFull(r, pre[:]); err != nil || string(pre[:4]) != magic {
		return 0, h, errBadData
	}
	version := pre[4]
	if version != 0 && version != '2' && version != '3' {
		return 0, h, errUnsupportedVersion
	}
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return 0, h, fmt.Errorf("%w: %v", errBadData, err)
	}
	return version, h, nil
}

func skip(r io.Reader, n int64) error {
	if got, _ := io.CopyN(io.Discard, r, n); got != n {
		return errBadData
	}
	return nil
}

// Parse reads a tzfile. For version 2 and later files the 64 bit data block
// is used and the legacy 32 bit block is skipped.
func Parse(r io.Reader) (Table, error) {
	version, h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	timeSize := int64(4)
	if version != 0 {
		// skip the whole v1 block, the v2 header and data follow
		v1 := int64(h.TimeCnt)*5 + int64(h.TypeCnt)*6 + int64(h.CharCnt) +
			int64(h.LeapCnt)*8 + int64(h.IsStdCnt) + int64(h.IsUtCnt)
		if err := skip(r, v1); err != nil {
			return nil, err
		}
		if _, h, err = readHeader(r); err != nil {
			return nil, err
		}
		timeSize = 8
	}
	if err := skip(r, int64(h.TimeCnt)*(timeSize+1)+int64(h.TypeCnt)*6+int64(h.CharCnt)); err != nil {
		return nil, err
	}

	table := make(Table, 0, h.LeapCnt)
	for i := uint32(0); i < h.LeapCnt; i++ {
		var s Second
		if timeSize == 4 {
			var rec [2]uint32
			if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
				return nil, errBadData
			}
			s = Second{Tleap: uint64(rec[0]), Nleap: int32(rec[1])}
		} else if err := binary.Read(r, binary.BigEndian, &s); err != nil {
			return nil, errBadData
		}
		table = append(table, s)
	}
	if len(table) == 0 {
		return nil, errNoLeapSeconds
	}
	return table, nil
}

// Latest returns the most recent leap second before now
func (t Table) Latest(now time.Time) (Second, bool) {
	for i := len(t) - 1; i >= 0; i-- {
		if !t[i].Time().After(now) {
			return t[i], true
		}
	}
	return Second{}, false
}

// Indicator is the leap indicator to send at now: a warning during the UTC
// day that ends with a leap second, no warning otherwise.
func (t Table) Indicator(now time.Time) protocol.LeapIndicator {
	end := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	prev := int32(0)
	for _, s := range t {
		if s.Time().Equal(end) {
			if s.Nleap < prev {
				return protocol.LeapDelSecond
			}
			return protocol.LeapAddSecond
		}
		prev = s.Nleap
	}
	return protocol.LeapNoWarning
}

func appendHeader(b *bytes.Buffer, version byte, leaps int, name string) {
	b.WriteString(magic)
	b.WriteByte(version)
	b.Write(make([]byte, 15))
	_ = binary.Write(b, binary.BigEndian, header{
		IsUtCnt:  1,
		IsStdCnt: 1,
		LeapCnt:  uint32(leaps),
		TypeCnt:  1,
		CharCnt:  uint32(len(name)),
	})
}

// Write produces a minimal tzfile holding the table, version 0 or '2'
func Write(w io.Writer, version byte, t Table, name string) error {
	if version != 0 && version != '2' {
		return errUnsupportedVersion
	}
	if name == "" {
		name = "UTC"
	}
	zname := name + "\x00"

	var b bytes.Buffer
	appendHeader(&b, version, len(t), zname)
	// one local time type, then the designation
	b.Write(make([]byte, 6))
	b.WriteString(zname)
	for _, s := range t {
		_ = binary.Write(&b, binary.BigEndian, [2]uint32{uint32(s.Tleap), uint32(s.Nleap)})
	}
	// std/wall and UT/local indicators
	b.Write([]byte{0, 0})

	if version == '2' {
		appendHeader(&b, version, len(t), zname)
		b.Write(make([]byte, 6))
		b.WriteString(zname)
		for _, s := range t {
			_ = binary.Write(&b, binary.BigEndian, s)
		}
		b.Write([]byte{0, 0})
		b.WriteString("\n" + name + "\n")
	}
	_, err := w.Write(b.Bytes())
	return err
}

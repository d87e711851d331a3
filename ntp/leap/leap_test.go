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

package leap

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
)

var testTable = Table{
	{Tleap: 78796800, Nleap: 1},
	{Tleap: 94694401, Nleap: 2},
}

func TestParseV2(t *testing.T) {
	data := []byte{
		'T', 'Z', 'i', 'f',     // magic
		'2', 0x00, 0x00, 0x00,  // version
		0x00, 0x00, 0x00, 0x00, // pad
		0x00, 0x00, 0x00, 0x00, // pad
		0x00, 0x00, 0x00, 0x00, // pad
		0x00, 0x00, 0x00, 0x00, // UTC/local
		0x00, 0x00, 0x00, 0x00, // standard/wall
		0x00, 0x00, 0x00, 0x01, // leap
		0x00, 0x00, 0x00, 0x00, // transition
		0x00, 0x00, 0x00, 0x00, // local tz
		0x00, 0x00, 0x00, 0x00, // characters
		0x04, 0xb2, 0x58, 0x00, // leap time
		0x00, 0x00, 0x00, 0x01, // leap count
	}
	// the 64 bit block repeats the header
	data = append(data, data[:44]...)
	data = append(data,
		0x00, 0x00, 0x00, 0x00, 0x04, 0xb2, 0x58, 0x00, // leap time
		0x00, 0x00, 0x00, 0x01,                         // leap count
	)

	table, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, Table{{Tleap: 78796800, Nleap: 1}}, table)
	// Saturday, July 1, 1972 12:00:00 AM
	require.Equal(t, time.Date(1972, 7, 1, 0, 0, 0, 0, time.UTC), table[0].Time())
}

func TestWriteParse(t *testing.T) {
	for _, v := range []byte{0, '2'} {
		var b bytes.Buffer
		require.NoError(t, Write(&b, v, testTable, ""))
		table, err := Parse(&b)
		require.NoError(t, err)
		require.Equal(t, testTable, table)
	}
	require.Error(t, Write(&bytes.Buffer{}, '3', testTable, ""))
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(bytes.NewReader([]byte("TZix")))
	require.ErrorIs(t, err, errBadData)

	var b bytes.Buffer
	require.NoError(t, Write(&b, '2', testTable, ""))
	raw := b.Bytes()
	raw[4] = '9'
	_, err = Parse(bytes.NewReader(raw))
	require.ErrorIs(t, err, errUnsupportedVersion)

	b.Reset()
	require.NoError(t, Write(&b, 0, testTable, ""))
	_, err = Parse(bytes.NewReader(b.Bytes()[:b.Len()-10]))
	require.ErrorIs(t, err, errBadData)

	b.Reset()
	require.NoError(t, Write(&b, 0, nil, ""))
	_, err = Parse(&b)
	require.ErrorIs(t, err, errNoLeapSeconds)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "UTC")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, Write(f, '2', testTable, "UTC"))
	require.NoError(t, f.Close())

	table, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, testTable, table)

	_, err = Load(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestIndicator(t *testing.T) {
	table := append(Table{}, testTable...)
	// a negative leap second at the start of 1980
	table = append(table, Second{Tleap: 315532800, Nleap: 1})

	tests := []struct {
		at   time.Time
		want protocol.LeapIndicator
	}{
		{time.Date(1972, 6, 29, 23, 0, 0, 0, time.UTC), protocol.LeapNoWarning},
		{time.Date(1972, 6, 30, 0, 0, 0, 0, time.UTC), protocol.LeapAddSecond},
		{time.Date(1972, 6, 30, 23, 59, 59, 0, time.UTC), protocol.LeapAddSecond},
		{time.Date(1972, 7, 1, 0, 0, 0, 0, time.UTC), protocol.LeapNoWarning},
		{time.Date(1972, 12, 31, 12, 0, 0, 0, time.UTC), protocol.LeapAddSecond},
		{time.Date(1979, 12, 31, 12, 0, 0, 0, time.UTC), protocol.LeapDelSecond},
		{time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), protocol.LeapNoWarning},
	}
	for _, tt := range tests {
		t.Run(tt.at.String(), func(t *testing.T) {
			require.Equal(t, tt.want, table.Indicator(tt.at))
		})
	}
}

func TestLatest(t *testing.T) {
	_, ok := testTable.Latest(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC))
	require.False(t, ok)
	s, ok := testTable.Latest(time.Date(1972, 8, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	require.Equal(t, int32(1), s.Nleap)
	s, ok = testTable.Latest(time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, ok)
	require.Equal(t, int32(2), s.Nleap)
}

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

package ntske

import (
	"encoding/binary"

	"github.com/yonasBSD/ntpd-rs/ntp/nts"
)

// ExporterLabel is the TLS exporter label for NTS keys
const ExporterLabel = "EXPORTER-network-time-security"

// DefaultNTPPort is used when the server sends no Port record
const DefaultNTPPort = 123

// KeyExporter exports keying material from an established TLS session.
// *tls.ConnectionState implements it.
type KeyExporter interface {
	ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error)
}

const (
	directionC2S = 0x00
	directionS2C = 0x01
)

// exportKeys derives the client to server and server to client keys
func exportKeys(e KeyExporter, protocol ProtocolID, alg nts.AlgorithmID) (c2s, s2c []byte, err error) {
	ctx := make([]byte, 5)
	binary.BigEndian.PutUint16(ctx[0:], uint16(protocol))
	binary.BigEndian.PutUint16(ctx[2:], uint16(alg))
	ctx[4] = directionC2S
	if c2s, err = e.ExportKeyingMaterial(ExporterLabel, ctx, alg.KeySize()); err != nil {
		return nil, nil, &KeyExchangeError{Kind: KindIO, Msg: "exporting c2s key", Err: err}
	}
	ctx[4] = directionS2C
	if s2c, err = e.ExportKeyingMaterial(ExporterLabel, ctx, alg.KeySize()); err != nil {
		return nil, nil, &KeyExchangeError{Kind: KindIO, Msg: "exporting s2c key", Err: err}
	}
	return c2s, s2c, nil
}

// Session is the outcome of a successful key exchange. It is not modified after the exchange.
type Session struct {
	Protocol  ProtocolID
	Algorithm nts.AlgorithmID
	C2S       []byte
	S2C       []byte
	Cookies   [][]byte
	// Server and Port locate the NTP server, defaulting to the key exchange host and port 123
	Server string
	Port   uint16
	// Warnings are codes of Warning records the server sent
	Warnings []uint16
}

// CookieData returns the session state a server would put in a cookie
func (s *Session) CookieData() nts.CookieData {
	return nts.CookieData{Algorithm: s.Algorithm, C2S: s.C2S, S2C: s.S2C}
}

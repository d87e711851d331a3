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
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yonasBSD/ntpd-rs/ntp/ipfilter"
	"github.com/yonasBSD/ntpd-rs/ntp/nts"
	"github.com/yonasBSD/ntpd-rs/ntp/ntske"
	"github.com/yonasBSD/ntpd-rs/ntp/responder/stats"
	"github.com/yonasBSD/ntpd-rs/ntp/source"
)

func localCert(t *testing.T) (tls.Certificate, *x509.CertPool) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

func startKE(ctx context.Context, t *testing.T, k *KEServer) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = k.Serve(ctx, ln)
	}()
	return ln.Addr().String()
}

// TestKeyExchangeThenNTS runs the key exchange over TCP and uses the
// session against the UDP responder sharing the keyset
func TestKeyExchangeThenNTS(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ks, err := nts.NewKeySet(nts.Options{})
	require.NoError(t, err)

	s, st := testServer(t)
	s.Handler.KeySet = ks
	conn, err := s.listen(ctx, net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	defer conn.Close()
	go s.startWorker(ctx)
	go s.startListener(ctx, conn)

	cert, pool := localCert(t)
	k := &KEServer{
		TLSConfig: ntske.TLSServerConfig([]tls.Certificate{cert}),
		Config: ntske.ServerConfig{
			Cookies:   ks,
			NTPServer: "127.0.0.1",
			NTPPort:   uint16(conn.LocalAddr().(*net.UDPAddr).Port),
		},
		Stats: st,
	}
	addr := startKE(ctx, t, k)

	session, err := ntske.Dial(ctx, addr, ntske.ClientConfig{}, &tls.Config{RootCAs: pool})
	require.NoError(t, err)
	require.Equal(t, ntske.ProtocolNTPv4, session.Protocol)
	require.Len(t, session.Cookies, ntske.DefaultCookieCount)
	require.Eventually(t, func() bool {
		return st.Snapshot()["ntske.exchanges"] == 1
	}, time.Second, 10*time.Millisecond)

	src, err := source.New(source.Config{}, session)
	require.NoError(t, err)
	require.Equal(t, conn.LocalAddr().String(), src.Address())
	_, err = src.Query(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, source.MaxCookies, src.Cookies())
	require.Eventually(t, func() bool {
		return st.Snapshot()["nts.responses"] == 1
	}, time.Second, 10*time.Millisecond)
}

func TestKeyExchangeDenied(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ks, err := nts.NewKeySet(nts.Options{})
	require.NoError(t, err)
	f, err := ipfilter.New([]ipfilter.Rule{
		{Prefix: netip.MustParsePrefix("127.0.0.0/8"), Action: ipfilter.Deny},
	}, ipfilter.Allow)
	require.NoError(t, err)

	cert, pool := localCert(t)
	k := &KEServer{
		TLSConfig: ntske.TLSServerConfig([]tls.Certificate{cert}),
		Config:    ntske.ServerConfig{Cookies: ks},
		Filter:    f,
	}
	addr := startKE(ctx, t, k)
	_, err = ntske.Dial(ctx, addr, ntske.ClientConfig{}, &tls.Config{RootCAs: pool})
	require.Error(t, err)
}

func TestKeyExchangeWrongALPN(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ks, err := nts.NewKeySet(nts.Options{})
	require.NoError(t, err)
	st := &stats.JSONStats{}

	cert, pool := localCert(t)
	scfg := ntske.TLSServerConfig([]tls.Certificate{cert})
	scfg.NextProtos = append(scfg.NextProtos, "http/1.1")
	k := &KEServer{TLSConfig: scfg, Config: ntske.ServerConfig{Cookies: ks}, Stats: st}
	addr := startKE(ctx, t, k)

	c, err := tls.Dial("tcp", addr, &tls.Config{RootCAs: pool, ServerName: "127.0.0.1", NextProtos: []string{"http/1.1"}})
	require.NoError(t, err)
	defer c.Close()
	require.Eventually(t, func() bool {
		return st.Snapshot()["ntske.errors"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKEServerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error)
	k := &KEServer{}
	go func() {
		done <- k.Serve(ctx, ln)
	}()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("key exchange server did not stop")
	}
}

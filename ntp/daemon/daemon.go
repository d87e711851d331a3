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
/*
Package daemon runs ntsd: the NTP/NTS responder, the NTS-KE listener, cookie
key rotation and the client side polling sources and selecting a time.
*/
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/yonasBSD/ntpd-rs/ntp/algorithm"
	"github.com/yonasBSD/ntpd-rs/ntp/config"
	"github.com/yonasBSD/ntpd-rs/ntp/ipfilter"
	"github.com/yonasBSD/ntpd-rs/ntp/leap"
	"github.com/yonasBSD/ntpd-rs/ntp/nts"
	"github.com/yonasBSD/ntpd-rs/ntp/ntske"
	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
	"github.com/yonasBSD/ntpd-rs/ntp/responder/announce"
	"github.com/yonasBSD/ntpd-rs/ntp/responder/checker"
	"github.com/yonasBSD/ntpd-rs/ntp/responder/server"
	"github.com/yonasBSD/ntpd-rs/ntp/responder/stats"
	"github.com/yonasBSD/ntpd-rs/ntp/source"
	"golang.org/x/sync/errgroup"
)

// keyExchangeRetry is the wait between failed initial key exchanges
const keyExchangeRetry = 16 * time.Second

// Daemon owns every long running component
type Daemon struct {
	cfg     *config.Config
	stats   *stats.JSONStats
	checker *checker.SimpleChecker
	keys    *nts.KeySet
	filter  *ipfilter.Filter
	leap    leap.Table
	engine  *algorithm.Engine
	sink    algorithm.Sink

	// Now is the clock used for selection, time.Now by default
	Now func() time.Time
}

// New prepares the components described by cfg
func New(cfg *config.Config, st *stats.JSONStats, sink algorithm.Sink) (*Daemon, error) {
	if sink == nil {
		sink = algorithm.LogSink{}
	}
	d := &Daemon{cfg: cfg, stats: st, sink: sink, Now: time.Now}

	var err error
	if d.filter, err = cfg.Filter.Build(); err != nil {
		return nil, fmt.Errorf("building filter: %w", err)
	}
	if cfg.LeapFile != "" {
		if d.leap, err = leap.Load(cfg.LeapFile); err != nil {
			return nil, fmt.Errorf("loading leap seconds: %w", err)
		}
	}
	if cfg.Serve || cfg.KeyExchange.Enabled() {
		if d.keys, err = cfg.KeySet.LoadKeySet(); err != nil {
			return nil, err
		}
	}
	if len(cfg.Sources) > 0 {
		if d.engine, err = algorithm.NewEngine(cfg.Algorithm); err != nil {
			return nil, err
		}
		for _, sc := range cfg.Sources {
			if err := d.engine.AddSource(sc.Address); err != nil {
				return nil, err
			}
		}
	}

	d.checker = &checker.SimpleChecker{}
	if cfg.Serve {
		d.checker.ExpectedListeners = int64(len(cfg.Server.IPs))
		d.checker.ExpectedWorkers = int64(cfg.Server.Workers)
	}
	if d.keys != nil {
		// a missed rotation is fine, a stuck rotation loop is not
		d.checker.MaxKeyAge = 2 * cfg.KeySet.RotationInterval
		d.checker.KeysRotated(time.Now())
	}
	return d, nil
}

// KeySet returns the cookie keys, nil when neither NTP nor NTS-KE is served
func (d *Daemon) KeySet() *nts.KeySet {
	return d.keys
}

// Run starts everything and blocks until ctx is done or a component fails
func (d *Daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if d.keys != nil {
		g.Go(func() error {
			d.rotateKeys(ctx)
			return nil
		})
	}
	if d.cfg.Serve {
		g.Go(func() error {
			return d.runServer(ctx)
		})
	}
	if d.cfg.KeyExchange.Enabled() {
		g.Go(func() error {
			return d.runKeyExchange(ctx)
		})
	}
	for _, sc := range d.cfg.Sources {
		g.Go(func() error {
			d.runSource(ctx, sc)
			return nil
		})
	}
	if d.engine != nil {
		g.Go(func() error {
			d.selectLoop(ctx)
			return nil
		})
	}
	return g.Wait()
}

// rotate makes a new cookie key current and persists the keyset
func (d *Daemon) rotate(now time.Time) error {
	if err := d.keys.Rotate(); err != nil {
		return err
	}
	d.checker.KeysRotated(now)
	if err := d.cfg.KeySet.SaveKeySet(d.keys); err != nil {
		return fmt.Errorf("saving keyset: %w", err)
	}
	return nil
}

func (d *Daemon) rotateKeys(ctx context.Context) {
	if err := d.cfg.KeySet.SaveKeySet(d.keys); err != nil {
		log.Errorf("[keyset] %v", err)
	}
	ticker := time.NewTicker(d.cfg.KeySet.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := d.rotate(now); err != nil {
				log.Errorf("[keyset] rotation failed: %v", err)
				continue
			}
			oldest, newest := d.keys.Range()
			log.Infof("[keyset] rotated, valid key ids %d..%d", oldest, newest)
		}
	}
}

func (d *Daemon) runServer(ctx context.Context) error {
	s := &server.Server{
		Config:   d.cfg.Server,
		Announce: &announce.LogAnnounce{},
		Stats:    d.stats,
		Checker:  d.checker,
	}
	s.Config.IPs.SetDefault()
	s.Handler = &server.Handler{
		Config:  &s.Config,
		Filter:  d.filter,
		Limiter: server.NewRateLimiter(s.Config.RateLimit, s.Config.RateBurst, s.Config.Workers),
		KeySet:  d.keys,
		Leap:    d.leap,
	}
	if s.Config.ShouldAnnounce {
		log.Warningf("Will announce VIPs")
	}

	// the server cancels its context on internal errors
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.Start(sctx, cancel)
	s.Stop()
	if ctx.Err() == nil {
		return errors.New("server stopped on internal error")
	}
	return nil
}

func (d *Daemon) runKeyExchange(ctx context.Context) error {
	kc := &d.cfg.KeyExchange
	tlsConfig, err := kc.TLSConfig()
	if err != nil {
		return err
	}
	serverConfig, err := kc.ServerConfig(d.keys)
	if err != nil {
		return err
	}
	k := &server.KEServer{
		Address:   kc.Address,
		TLSConfig: tlsConfig,
		Config:    serverConfig,
		Timeout:   kc.Timeout,
		Filter:    d.filter,
		DSCP:      d.cfg.Server.DSCP,
		Stats:     d.stats,
	}
	return k.ListenAndServe(ctx)
}

// KeyExchanger dials the source's key exchange server
func KeyExchanger(sc config.SourceConfig) (source.KeyExchanger, error) {
	clientConfig, err := sc.ClientConfig()
	if err != nil {
		return nil, err
	}
	tlsConfig, err := sc.TLSConfig()
	if err != nil {
		return nil, err
	}
	address := sc.KeyExchangeAddress()
	return func(ctx context.Context) (*ntske.Session, error) {
		return ntske.Dial(ctx, address, clientConfig, tlsConfig)
	}, nil
}

// newSource creates the source, running the first key exchange for NTS
// sources until it succeeds or ctx is done
func (d *Daemon) newSource(ctx context.Context, sc config.SourceConfig) (*source.Source, source.KeyExchanger, error) {
	cfg := sc.SourceConfig(d.cfg.Algorithm.Precision)
	if !sc.NTS {
		s, err := source.New(cfg, nil)
		return s, nil, err
	}
	ke, err := KeyExchanger(sc)
	if err != nil {
		return nil, nil, err
	}
	for {
		session, err := ke(ctx)
		if err == nil {
			log.Infof("[source] %s: %s", sc.Address, session)
			s, err := source.New(cfg, session)
			return s, ke, err
		}
		log.Warningf("[source] %s: key exchange with %s failed: %v", sc.Address, sc.KeyExchangeAddress(), err)
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(keyExchangeRetry):
		}
	}
}

func (d *Daemon) runSource(ctx context.Context, sc config.SourceConfig) {
	s, ke, err := d.newSource(ctx, sc)
	if err != nil {
		if ctx.Err() == nil {
			log.Errorf("[source] %s: %v", sc.Address, err)
		}
		return
	}
	err = s.Run(ctx, source.RunOptions{
		Timeout:     d.cfg.QueryTimeout,
		KeyExchange: ke,
		Record: func(sample algorithm.ClockSample) error {
			log.Debugf("[source] %s: %s", sc.Address, sample)
			return d.engine.RecordSample(sc.Address, sample)
		},
	})
	if errors.Is(err, source.ErrDemobilized) {
		d.engine.RemoveSource(sc.Address)
	}
}

// selectOnce runs one selection round and publishes the outcome
func (d *Daemon) selectOnce(now time.Time) algorithm.SelectionResult {
	res := d.engine.Steer(protocol.TimestampFromTime(now), d.sink)
	d.stats.SetSelection(
		res.Status == algorithm.Selected,
		res.Offset.Std().Nanoseconds(),
		res.Uncertainty.Std().Nanoseconds(),
		len(res.Truechimers),
	)
	if res.Status != algorithm.Selected {
		log.Warningf("[algorithm] no selection: %s", res)
	} else {
		log.Debugf("[algorithm] %s", res)
	}
	return res
}

func (d *Daemon) selectLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SelectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.selectOnce(d.Now())
		}
	}
}

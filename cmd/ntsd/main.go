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
package main

import (
	"context"
	"flag"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"github.com/yonasBSD/ntpd-rs/ntp/config"
	"github.com/yonasBSD/ntpd-rs/ntp/daemon"
	"github.com/yonasBSD/ntpd-rs/ntp/responder/stats"
	syscall "golang.org/x/sys/unix"
)

func main() {
	var (
		logLevel       string
		configFlag     string
		pprofFlag      string
		monitoringPort int
	)
	defaults := config.DefaultConfig()

	flag.StringVar(&logLevel, "loglevel", "info", "Set a log level. Can be: debug, info, warning, error")
	flag.StringVar(&configFlag, "config", "", "Path to the yaml config")
	flag.IntVar(&monitoringPort, "monitoringport", defaults.MonitoringPort, "Port to run monitoring server on, 0 disables it")
	flag.StringVar(&pprofFlag, "pprof", "", "Address to have the profiler listen on, disabled if empty.")

	flag.Parse()
	setFlags := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	switch logLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("Unrecognized log level: %v", logLevel)
	}

	// positional arguments are sources
	cfg, err := config.PrepareConfig(configFlag, flag.Args(), monitoringPort, setFlags)
	if err != nil {
		log.Fatal(err)
	}

	if pprofFlag != "" {
		log.Warningf("Staring profiler on %s", pprofFlag)
		go func() {
			if err := http.ListenAndServe(pprofFlag, nil); err != nil {
				log.Errorf("Failed to start pprof. Err: %v", err)
			}
		}()
	}

	st := &stats.JSONStats{}
	if cfg.MonitoringPort != 0 {
		go st.Start(cfg.MonitoringPort)
	}

	d, err := daemon.New(cfg, st, nil)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	// Handle interrupt for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		log.Errorf("Internal error shutdown: %v", err)
		stop()
		os.Exit(1)
	}
	log.Warning("Graceful shutdown")
}

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
Package stats implements statistics collection and reporting.
It is used by server to report internal statistics, such as number of
requests and responses, and by the client to report the selected offset.
Counters are served as JSON and in the Prometheus exposition format.
*/
package stats

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// JSONStats implements Stat interface
// This implementation reports JSON metrics via http interface
// This is a passive implementation. Only "Start" needs to be called
type JSONStats struct {
	prefix string

	invalidFormat     atomic.Int64
	requests          atomic.Int64
	responses         atomic.Int64
	ntsResponses      atomic.Int64
	naks              atomic.Int64
	denied            atomic.Int64
	rateLimited       atomic.Int64
	listeners         atomic.Int64
	workers           atomic.Int64
	readError         atomic.Int64
	announce          atomic.Int64
	keyExchanges      atomic.Int64
	keyExchangeErrors atomic.Int64

	// client side
	offsetNS      atomic.Int64
	uncertaintyNS atomic.Int64
	truechimers   atomic.Int64
	synchronized  atomic.Int64
}

// SetPrefix sets custom metric prefix. Must be called before Start
func (j *JSONStats) SetPrefix(prefix string) {
	j.prefix = prefix
}

// toMap converts struct to a map
func (j *JSONStats) toMap() (export map[string]int64) {
	export = make(map[string]int64)

	export[j.prefix+"invalidformat"] = j.invalidFormat.Load()
	export[j.prefix+"requests"] = j.requests.Load()
	export[j.prefix+"responses"] = j.responses.Load()
	export[j.prefix+"nts.responses"] = j.ntsResponses.Load()
	export[j.prefix+"nts.naks"] = j.naks.Load()
	export[j.prefix+"denied"] = j.denied.Load()
	export[j.prefix+"ratelimited"] = j.rateLimited.Load()
	export[j.prefix+"listeners"] = j.listeners.Load()
	export[j.prefix+"workers"] = j.workers.Load()
	export[j.prefix+"readError"] = j.readError.Load()
	export[j.prefix+"announce"] = j.announce.Load()
	export[j.prefix+"ntske.exchanges"] = j.keyExchanges.Load()
	export[j.prefix+"ntske.errors"] = j.keyExchangeErrors.Load()
	export[j.prefix+"client.offset_ns"] = j.offsetNS.Load()
	export[j.prefix+"client.uncertainty_ns"] = j.uncertaintyNS.Load()
	export[j.prefix+"client.truechimers"] = j.truechimers.Load()
	export[j.prefix+"client.synchronized"] = j.synchronized.Load()

	return export
}

// Snapshot returns the current value of every counter
func (j *JSONStats) Snapshot() map[string]int64 {
	return j.toMap()
}

// handleRequest is a handler used for all http monitoring requests
func (j *JSONStats) handleRequest(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(j.toMap())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}

// Handler serves JSON on / and Prometheus metrics on /metrics
func (j *JSONStats) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(&collector{stats: j})
	mux := http.NewServeMux()
	mux.HandleFunc("/", j.handleRequest)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

// Start runs the http monitoring server on port
func (j *JSONStats) Start(port int) {
	addr := fmt.Sprintf(":%d", port)
	log.Debugf("Starting http json server on %s", addr)
	err := http.ListenAndServe(addr, j.Handler())
	if err != nil {
		log.Errorf("Failed to start listener: %v", err)
	}
}

// IncInvalidFormat atomically add 1 to the counter
func (j *JSONStats) IncInvalidFormat() {
	j.invalidFormat.Add(1)
}

// IncRequests atomically add 1 to the counter
func (j *JSONStats) IncRequests() {
	j.requests.Add(1)
}

// IncResponses atomically add 1 to the counter
func (j *JSONStats) IncResponses() {
	j.responses.Add(1)
}

// IncNTSResponses atomically add 1 to the counter
func (j *JSONStats) IncNTSResponses() {
	j.ntsResponses.Add(1)
}

// IncNAKs atomically add 1 to the counter
func (j *JSONStats) IncNAKs() {
	j.naks.Add(1)
}

// IncDenied atomically add 1 to the counter
func (j *JSONStats) IncDenied() {
	j.denied.Add(1)
}

// IncRateLimited atomically add 1 to the counter
func (j *JSONStats) IncRateLimited() {
	j.rateLimited.Add(1)
}

// IncListeners atomically add 1 to the counter
func (j *JSONStats) IncListeners() {
	j.listeners.Add(1)
}

// IncWorkers atomically add 1 to the counter
func (j *JSONStats) IncWorkers() {
	j.workers.Add(1)
}

// IncReadError atomically add 1 to the counter
func (j *JSONStats) IncReadError() {
	j.readError.Add(1)
}

// IncKeyExchanges atomically add 1 to the counter
func (j *JSONStats) IncKeyExchanges() {
	j.keyExchanges.Add(1)
}

// IncKeyExchangeErrors atomically add 1 to the counter
func (j *JSONStats) IncKeyExchangeErrors() {
	j.keyExchangeErrors.Add(1)
}

// DecListeners atomically removes 1 from the counter
func (j *JSONStats) DecListeners() {
	j.listeners.Add(-1)
}

// DecWorkers atomically removes 1 from the counter
func (j *JSONStats) DecWorkers() {
	j.workers.Add(-1)
}

// SetAnnounce atomically sets counter to 1
func (j *JSONStats) SetAnnounce() {
	j.announce.Store(1)
}

// ResetAnnounce atomically sets counter to 0
func (j *JSONStats) ResetAnnounce() {
	j.announce.Store(0)
}

// SetSelection records the outcome of the last clock selection
func (j *JSONStats) SetSelection(synchronized bool, offsetNS, uncertaintyNS int64, truechimers int) {
	if !synchronized {
		j.synchronized.Store(0)
		j.truechimers.Store(int64(truechimers))
		return
	}
	j.synchronized.Store(1)
	j.offsetNS.Store(offsetNS)
	j.uncertaintyNS.Store(uncertaintyNS)
	j.truechimers.Store(int64(truechimers))
}

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

//go:generate mockgen -source=sink.go -destination=sink_mock_test.go -package=algorithm

import (
	log "github.com/sirupsen/logrus"
	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
)

// Sink receives steering decisions. It owns the clock.
type Sink interface {
	Steer(offset, uncertainty protocol.Duration)
}

// LogSink only logs decisions
type LogSink struct{}

// Steer logs the decision
func (LogSink) Steer(offset, uncertainty protocol.Duration) {
	log.Infof("[steer] offset %s ± %s", offset, uncertainty)
}

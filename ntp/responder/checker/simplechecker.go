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
Package checker implements checking mechanism of server aliveness.
It is used by server to determine if internal health if good and work can be continued
*/
package checker

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	errSimpleCheckerWrongAmountListeners = errors.New("wrong amount of listeners is up")
	errSimpleCheckerWrongAmountWorkers   = errors.New("wrong amount of workers is up")
	errSimpleCheckerStaleKeySet          = errors.New("cookie keys are not being rotated")
)

// SimpleChecker is an implementation of checker containing basic health info such as
// amount of workers and listeners, and when the cookie keys were last rotated
type SimpleChecker struct {
	// ExpectedListeners is number of listeners we expect to run
	ExpectedListeners int64
	realListeners     atomic.Int64

	// ExpectedWorkers is number of workers we expect to run
	ExpectedWorkers int64
	realWorkers     atomic.Int64

	// MaxKeyAge is how long the keyset may go without rotation. Zero disables the check
	MaxKeyAge time.Duration
	rotated   atomic.Int64

	// Now is the clock used for the key age, time.Now by default
	Now func() time.Time
}

// IncListeners thread-safely increases number of listeners to monitor
func (s *SimpleChecker) IncListeners() {
	s.realListeners.Add(1)
}

// DecListeners thread-safely decreases number of listeners to monitor
func (s *SimpleChecker) DecListeners() {
	s.realListeners.Add(-1)
}

// IncWorkers thread-safely increases number of workers to monitor
func (s *SimpleChecker) IncWorkers() {
	s.realWorkers.Add(1)
}

// DecWorkers thread-safely decreases number of workers to monitor
func (s *SimpleChecker) DecWorkers() {
	s.realWorkers.Add(-1)
}

// KeysRotated records a keyset rotation at t
func (s *SimpleChecker) KeysRotated(t time.Time) {
	s.rotated.Store(t.UnixNano())
}

// Check is a method which performs basic validations that responder is alive
func (s *SimpleChecker) Check() error {
	if err := s.checkListeners(); err != nil {
		return err
	}
	if err := s.checkWorkers(); err != nil {
		return err
	}
	return s.checkKeys()
}

// checkListeners if all ExpectedListeners are alive
func (s *SimpleChecker) checkListeners() error {
	log.Debug("[Checker] checking listeners")
	if s.ExpectedListeners != s.realListeners.Load() {
		return errSimpleCheckerWrongAmountListeners
	}
	return nil
}

// checkWorkers if all ExpectedWorkers are alive
func (s *SimpleChecker) checkWorkers() error {
	log.Debug("[Checker] checking workers")
	if s.ExpectedWorkers != s.realWorkers.Load() {
		return errSimpleCheckerWrongAmountWorkers
	}
	return nil
}

// checkKeys if the keyset was rotated recently enough
func (s *SimpleChecker) checkKeys() error {
	if s.MaxKeyAge == 0 {
		return nil
	}
	log.Debug("[Checker] checking cookie keys")
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	last := s.rotated.Load()
	if last == 0 {
		return fmt.Errorf("%w: never rotated", errSimpleCheckerStaleKeySet)
	}
	if age := now().Sub(time.Unix(0, last)); age > s.MaxKeyAge {
		return fmt.Errorf("%w: last rotation %v ago", errSimpleCheckerStaleKeySet, age)
	}
	return nil
}

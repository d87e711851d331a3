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
	"fmt"
)

// ErrorKind classifies key exchange failures
type ErrorKind uint8

// Kinds of key exchange failures
const (
	// KindNoAgreement means no common protocol or algorithm
	KindNoAgreement ErrorKind = iota + 1
	// KindPeerError means the peer sent an Error record
	KindPeerError
	// KindProtocol means the peer violated the record protocol
	KindProtocol
	// KindIO means the stream failed
	KindIO
	// KindState means an operation was called in the wrong state
	KindState
)

var errorKindToString = map[ErrorKind]string{
	KindNoAgreement: "no agreement",
	KindPeerError:   "peer error",
	KindProtocol:    "protocol violation",
	KindIO:          "io",
	KindState:       "invalid state",
}

func (k ErrorKind) String() string {
	return errorKindToString[k]
}

// KeyExchangeError aborts a key exchange session
type KeyExchangeError struct {
	Kind ErrorKind
	// Code is the error code received from or sent to the peer
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *KeyExchangeError) Error() string {
	s := fmt.Sprintf("nts-ke %s", e.Kind)
	if e.Kind == KindPeerError {
		s += fmt.Sprintf(" (%s)", e.Code)
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *KeyExchangeError) Unwrap() error {
	return e.Err
}

// Is matches any *KeyExchangeError of the same kind
func (e *KeyExchangeError) Is(target error) bool {
	t, ok := target.(*KeyExchangeError)
	return ok && t.Kind == e.Kind
}

func stateError(format string, args ...interface{}) error {
	return &KeyExchangeError{Kind: KindState, Msg: fmt.Sprintf(format, args...)}
}

func protocolError(format string, args ...interface{}) error {
	return &KeyExchangeError{Kind: KindProtocol, Msg: fmt.Sprintf(format, args...)}
}

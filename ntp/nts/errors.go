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

package nts

import "errors"

var (
	// ErrInvalidCookie is returned for cookies that cannot be decrypted.
	// An evicted key and a failed authentication are reported identically.
	ErrInvalidCookie = errors.New("invalid cookie")
	// ErrAuthentication is returned when an NTS protected packet fails verification
	ErrAuthentication = errors.New("nts authentication failed")
	// ErrUnsupportedAlgorithm is returned for AEAD algorithms we do not implement
	ErrUnsupportedAlgorithm = errors.New("unsupported aead algorithm")
	// ErrMissingUniqueID is returned for NTS packets without a valid unique identifier
	ErrMissingUniqueID = errors.New("missing or short unique identifier")
	// ErrUniqueIDMismatch is returned when a response does not echo the request identifier
	ErrUniqueIDMismatch = errors.New("unique identifier mismatch")
	// ErrNoCookie is returned for requests without exactly one cookie
	ErrNoCookie = errors.New("request must carry exactly one cookie")
	// ErrBadKeySet is returned when restoring a malformed keyset
	ErrBadKeySet = errors.New("malformed keyset")
)

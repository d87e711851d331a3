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

package protocol

import (
	"errors"
	"fmt"
)

// DecodeErrorKind classifies malformed wire data
type DecodeErrorKind uint8

// Kinds of decode failures
const (
	Truncated DecodeErrorKind = iota + 1
	BadVersion
	BadExtensionLength
	Misaligned
	BadField
)

var decodeErrorKindToString = map[DecodeErrorKind]string{
	Truncated:          "truncated",
	BadVersion:         "bad version",
	BadExtensionLength: "bad extension length",
	Misaligned:         "misaligned extension",
	BadField:           "bad field",
}

func (k DecodeErrorKind) String() string {
	if s, ok := decodeErrorKindToString[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// DecodeError is returned for any packet that cannot be decoded.
// The packet must be dropped, no state is affected.
type DecodeError struct {
	Kind   DecodeErrorKind
	Offset int
	Msg    string
}

func (e *DecodeError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("ntp decode: %s at offset %d", e.Kind, e.Offset)
	}
	return fmt.Sprintf("ntp decode: %s at offset %d: %s", e.Kind, e.Offset, e.Msg)
}

// Is matches any *DecodeError of the same kind
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}

func decodeErr(kind DecodeErrorKind, offset int, format string, args ...interface{}) error {
	return &DecodeError{Kind: kind, Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// encoding errors
var (
	ErrExtensionsNotAllowed = errors.New("extension fields are not allowed for this version and mode")
	ErrBufferTooSmall       = errors.New("buffer too small")
	ErrUnsupportedVersion   = errors.New("unsupported ntp version")
	ErrExtensionTooLarge    = errors.New("extension field too large")
	// ErrUnalignedExtension is returned for bodies whose padding would be read back as data
	ErrUnalignedExtension = errors.New("extension body is not a multiple of 4 bytes")
	// ErrAmbiguousLayout is returned for packets Decode would split differently,
	// such as NTPv4 fields that would be taken for a legacy MAC
	ErrAmbiguousLayout = errors.New("packet layout does not decode back to the same fields")
)

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

package source

import "sync"

// MaxCookies is how many cookies a client tries to hold
const MaxCookies = 8

// CookieJar holds unused cookies. Each cookie is used for one request only.
type CookieJar struct {
	sync.Mutex
	cookies [][]byte
}

// Push stores cookies, dropping the oldest beyond MaxCookies
func (j *CookieJar) Push(cookies ...[]byte) {
	j.Lock()
	defer j.Unlock()
	for _, c := range cookies {
		j.cookies = append(j.cookies, append([]byte{}, c...))
	}
	if len(j.cookies) > MaxCookies {
		j.cookies = j.cookies[len(j.cookies)-MaxCookies:]
	}
}

// Pop removes and returns the newest cookie
func (j *CookieJar) Pop() ([]byte, bool) {
	j.Lock()
	defer j.Unlock()
	if len(j.cookies) == 0 {
		return nil, false
	}
	c := j.cookies[len(j.cookies)-1]
	j.cookies = j.cookies[:len(j.cookies)-1]
	return c, true
}

// Len is the number of cookies held
func (j *CookieJar) Len() int {
	j.Lock()
	defer j.Unlock()
	return len(j.cookies)
}

// Reset drops all cookies
func (j *CookieJar) Reset() {
	j.Lock()
	defer j.Unlock()
	j.cookies = nil
}

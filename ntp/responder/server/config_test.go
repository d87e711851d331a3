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
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
}

func TestConfigValidate(t *testing.T) {
	for name, mutate := range map[string]func(c *Config){
		"no workers":      func(c *Config) { c.Workers = 0 },
		"stratum 0":       func(c *Config) { c.Stratum = 0 },
		"stratum 16":      func(c *Config) { c.Stratum = 16 },
		"port":            func(c *Config) { c.Port = 70000 },
		"dscp":            func(c *Config) { c.DSCP = 64 },
		"zero rate":       func(c *Config) { c.RateLimit = 0 },
		"zero rate burst": func(c *Config) { c.RateBurst = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			mutate(&c)
			require.Error(t, c.Validate())
		})
	}
}

func TestMultiIPs(t *testing.T) {
	m := MultiIPs{}
	require.NoError(t, m.Set("192.0.2.1"))
	require.NoError(t, m.Set("2001:db8::1"))
	require.Error(t, m.Set("oleg"))
	require.Equal(t, "192.0.2.1, 2001:db8::1", m.String())

	m.SetDefault()
	require.Len(t, m, 2)
	require.True(t, m[0].Equal(net.ParseIP("192.0.2.1")))

	empty := MultiIPs{}
	empty.SetDefault()
	require.Equal(t, DefaultServerIPs, empty)
}

// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package devmem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/devmem/pkg/devmem"
	"github.com/containers/devmem/pkg/healthz"
)

func TestCheckHealth(t *testing.T) {
	f, _ := newTestFacade(t)

	status, err := f.CheckHealth()
	require.NoError(t, err)
	require.Equal(t, healthz.Healthy, status)

	a, err := f.Alloc(gpu0, 15<<20)
	require.NoError(t, err)

	status, err = f.CheckHealth()
	require.Error(t, err)
	require.Contains(t, err.Error(), gpu0.String())
	require.Equal(t, healthz.Degraded, status)

	a.Free()

	status, _ = f.CheckHealth()
	require.Equal(t, healthz.Degraded, status, "cached memory still held from the device")

	_, err = f.Release(gpu0)
	require.NoError(t, err)

	status, err = f.CheckHealth()
	require.NoError(t, err)
	require.Equal(t, healthz.Healthy, status)

	require.NoError(t, f.Close())

	status, err = f.CheckHealth()
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, healthz.NonFunctional, status)
}

func TestRegisterHealthCheck(t *testing.T) {
	f, _ := newTestFacade(t)
	c := healthz.NewCheckers()

	require.NoError(t, f.RegisterHealthCheck(c))
	require.ErrorIs(t, f.RegisterHealthCheck(c), healthz.ErrConflict)

	status, details := c.Check()
	require.Equal(t, healthz.Healthy, status)
	require.Empty(t, details)
}

// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package lucregistry_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/genivi/node-startup-controller/internal/lucregistry"
)

func newRegistry(t *testing.T) (*lucregistry.Registry, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "nested", "luc.bin")

	return lucregistry.New(zap.NewNop(), path), path
}

func TestTransactionalMerge(t *testing.T) {
	reg, _ := newRegistry(t)

	reg.Begin()
	reg.Register(map[int32][]string{1: {"x"}})
	reg.Register(map[int32][]string{1: {"y", "x"}})
	reg.Finish()

	got, err := reg.Read()
	require.NoError(t, err)
	assert.Equal(t, map[int32][]string{1: {"y", "x"}}, got)
}

func TestMergeAcrossKeys(t *testing.T) {
	reg, _ := newRegistry(t)

	reg.Begin()
	reg.Register(map[int32][]string{1: {"a.service"}, 3: {"b.service"}})
	reg.Register(map[int32][]string{3: {"c.service"}, 4: {"d.service"}})
	reg.Finish()

	got, err := reg.Read()
	require.NoError(t, err)
	assert.Equal(t, map[int32][]string{
		1: {"a.service"},
		3: {"b.service", "c.service"},
		4: {"d.service"},
	}, got)
}

func TestFinishClearsAccumulatorEvenWithNoRegisterCalls(t *testing.T) {
	reg, path := newRegistry(t)

	reg.Begin()
	reg.Finish()

	got, err := reg.Read()
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.FileExists(t, path)
}

func TestRegisterOutsideWindowIsLoggedAndIgnored(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	reg := lucregistry.New(zap.New(core), filepath.Join(t.TempDir(), "luc.bin"))

	reg.Register(map[int32][]string{1: {"x"}})

	assert.Equal(t, 1, logs.FilterMessage("register called outside a begin/finish window").Len())
}

func TestFinishWithoutBeginIsNoOpLoggedAsError(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	reg := lucregistry.New(zap.New(core), filepath.Join(t.TempDir(), "luc.bin"))

	reg.Finish()

	assert.Equal(t, 1, logs.FilterMessage("finish called without a prior begin").Len())
}

func TestReadMissingFileReturnsError(t *testing.T) {
	reg := lucregistry.New(zap.NewNop(), filepath.Join(t.TempDir(), "missing.bin"))

	_, err := reg.Read()
	assert.Error(t, err)
}

func TestBeginDiscardsPriorAccumulator(t *testing.T) {
	reg, _ := newRegistry(t)

	reg.Begin()
	reg.Register(map[int32][]string{1: {"stale"}})
	reg.Begin()
	reg.Register(map[int32][]string{1: {"fresh"}})
	reg.Finish()

	got, err := reg.Read()
	require.NoError(t, err)
	assert.Equal(t, map[int32][]string{1: {"fresh"}}, got)
}

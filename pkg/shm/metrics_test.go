/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gathered(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	mfs, err := reg.Gather()
	require.NoError(t, err)
	out := make(map[string]*dto.MetricFamily, len(mfs))
	for _, mf := range mfs {
		out[mf.GetName()] = mf
	}
	return out
}

func TestStatsCollector(t *testing.T) {
	cleanupPool(t)
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.AddressSpace = testAddressSpace
	cfg.Padding = 0
	cfg.SocketDir = t.TempDir()
	cfg.Backing = []BackingSpec{{Kind: BackingFile, Path: filepath.Join(t.TempDir(), "pool"), Size: 8 << 20}}
	_, err := PrototypeInit(ctx, cfg)
	require.NoError(t, err)
	p, err := Attach(ctx, cfg)
	require.NoError(t, err)

	c := NewStatsCollector(p)
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	for i := 0; i < 3; i++ {
		_, err := p.Alloc(100, ArenaFlashThread, 0)
		require.NoError(t, err)
	}

	mfs := gathered(t, reg)
	require.Contains(t, mfs, "shmem_live_objects")
	assert.Equal(t, 3.0, mfs["shmem_live_objects"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, 300.0, mfs["shmem_live_bytes"].GetMetric()[0].GetGauge().GetValue())
	assert.Equal(t, dto.MetricType_COUNTER, mfs["shmem_allocs_total"].GetType())
	assert.Equal(t, 1.0, mfs["shmem_segments"].GetMetric()[0].GetGauge().GetValue())

	arenas := mfs["shmem_arena_bytes"].GetMetric()
	require.Len(t, arenas, NumArenas)
	for _, m := range arenas {
		v := m.GetGauge().GetValue()
		if m.GetLabel()[0].GetValue() == ArenaFlashThread.String() {
			assert.Equal(t, float64(3*(128+blockHeaderSize)), v)
		} else {
			assert.Zero(t, v)
		}
	}

	expected := `
# HELP shmem_frees_total Frees since the pool was created.
# TYPE shmem_frees_total counter
shmem_frees_total 0
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "shmem_frees_total"))

	require.NoError(t, p.Detach(ctx))
	assert.Zero(t, testutil.CollectAndCount(c))
}

func TestSizeClass(t *testing.T) {
	for _, tc := range []struct {
		size     uint64
		class    uint16
		capacity uint64
	}{
		{1, 0, 16},
		{16, 0, 16},
		{17, 1, 32},
		{1000, 6, 1024},
		{1 << 20, 16, 1 << 20},
		{1<<20 + 1, largeClass, 1<<20 + 64},
	} {
		class, capacity := sizeClass(tc.size)
		assert.Equal(t, tc.class, class, "size %d", tc.size)
		assert.Equal(t, tc.capacity, capacity, "size %d", tc.size)
	}
	assert.Equal(t, uint64(32), blockHeaderSize)
	assert.Zero(t, blockHeaderSize%blockAlign)
}

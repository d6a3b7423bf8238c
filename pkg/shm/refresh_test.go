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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	growerPoolEnv = "SHMEM_TEST_GROWER_POOL"
	growerFileEnv = "SHMEM_TEST_GROWER_FILE"
	growerPrefix  = "grower-ptr="
)

// TestGrower runs in a child process started by TestRemoteGrow. It fills
// the current segment, grows the pool and leaves a live block in the new
// segment.
func TestGrower(t *testing.T) {
	pool := os.Getenv(growerPoolEnv)
	if pool == "" {
		t.Skip("started by TestRemoteGrow")
	}
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.SocketDir = filepath.Dir(pool)
	cfg.Backing = []BackingSpec{{Kind: BackingFile, Path: pool}}
	p, err := Attach(ctx, cfg)
	require.NoError(t, err)

	for i := 0; i < 1<<12; i++ {
		if _, err = p.Alloc(64<<10, ArenaRootGlobal, 0); err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrOutOfMemory)
	_, err = p.Grow(ctx, BackingSpec{Kind: BackingFile, Path: os.Getenv(growerFileEnv), Size: 2 << 20})
	require.NoError(t, err)
	ptr, err := p.Alloc(256<<10, ArenaRootGlobal, 0)
	require.NoError(t, err)
	fmt.Printf("%s%v\n", growerPrefix, ptr)
	require.NoError(t, p.Detach(ctx))
}

func runGrower(t *testing.T, pool, grow string) Ptr {
	cmd := exec.Command(os.Args[0], "-test.run=^TestGrower$", "-test.count=1")
	cmd.Env = append(os.Environ(), growerPoolEnv+"="+pool, growerFileEnv+"="+grow)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "%s", out)
	for _, line := range strings.Split(string(out), "\n") {
		if v, ok := strings.CutPrefix(line, growerPrefix); ok {
			ptr, err := ParsePtr(v)
			require.NoError(t, err)
			return ptr
		}
	}
	require.FailNow(t, "no pointer from grower", "%s", out)
	return Null
}

func TestRemoteGrow(t *testing.T) {
	cleanupPool(t)
	ctx := context.Background()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.AddressSpace = testAddressSpace
	cfg.Padding = 1 << 30
	cfg.SocketDir = dir
	cfg.Backing = []BackingSpec{{Kind: BackingFile, Path: filepath.Join(dir, "seg0"), Size: 1 << 20}}
	_, err := PrototypeInit(ctx, cfg)
	require.NoError(t, err)
	p, err := Attach(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, p.Segments(), 1)

	// the shared cursor now points into a segment mapped only by the child
	runGrower(t, cfg.Backing[0].Path, filepath.Join(dir, "grow1"))
	ptr, err := p.Alloc(64, ArenaRootGlobal, 0)
	require.NoError(t, err)
	segs := p.Segments()
	require.Len(t, segs, 2)
	assert.True(t, segs[1].Contains(uint64(ptr), 64))

	// a block the child left in a third segment
	remote := runGrower(t, cfg.Backing[0].Path, filepath.Join(dir, "grow2"))
	require.NoError(t, p.Free(remote))
	segs = p.Segments()
	require.Len(t, segs, 3)
	assert.True(t, segs[2].Contains(uint64(remote), 256<<10))
	assert.ErrorIs(t, p.Free(remote), ErrDoubleFree)

	st, err := p.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, st.Segments)
	assert.Equal(t, st.TotalAllocs-st.TotalFrees, st.LiveObjects)
}

func TestRefreshOnLookup(t *testing.T) {
	cleanupPool(t)
	ctx := context.Background()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.AddressSpace = testAddressSpace
	cfg.Padding = 1 << 30
	cfg.SocketDir = dir
	cfg.Backing = []BackingSpec{{Kind: BackingFile, Path: filepath.Join(dir, "seg0"), Size: 1 << 20}}
	_, err := PrototypeInit(ctx, cfg)
	require.NoError(t, err)
	p, err := Attach(ctx, cfg)
	require.NoError(t, err)

	remote := runGrower(t, cfg.Backing[0].Path, filepath.Join(dir, "grow"))
	v, err := p.Resolve(remote, 256<<10)
	require.NoError(t, err)
	assert.Equal(t, uintptr(remote), uintptr(v))
	require.Len(t, p.Segments(), 2)
	n, err := p.Allocator().Size(remote)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, uint64(256<<10))
}

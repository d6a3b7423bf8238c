// Package health provides liveness and readiness checks for an attached
// shared memory pool.
package health

import (
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/shmem/pkg/shm"
)

// checkTimeout bounds a single check.
const checkTimeout = time.Second

// PoolProvider is the part of a pool the checks look at. *shm.Pool
// implements it.
type PoolProvider interface {
	Check() error
	Stats() (shm.Stats, error)
}

// AttachedCheck fails once the pool is detached or its admin structure no
// longer validates.
func AttachedCheck(p PoolProvider) healthcheck.Check {
	return func() error {
		return p.Check()
	}
}

// UsageCheck fails when the pool's used bytes exceed limit.
func UsageCheck(p PoolProvider, limit uint64) healthcheck.Check {
	return func() error {
		s, err := p.Stats()
		if err != nil {
			return err
		}
		if s.UsedBytes > limit {
			return fmt.Errorf("pool uses %s, limit %s", shm.FormatSize(s.UsedBytes), shm.FormatSize(limit))
		}
		return nil
	}
}

// Register adds the pool checks under name to h. A zero usedLimit skips the
// readiness usage check.
func Register(h healthcheck.Handler, name string, p PoolProvider, usedLimit uint64) {
	h.AddLivenessCheck(name+"-attached", healthcheck.Timeout(AttachedCheck(p), checkTimeout))
	if usedLimit != 0 {
		h.AddReadinessCheck(name+"-usage", healthcheck.Timeout(UsageCheck(p, usedLimit), checkTimeout))
	}
}

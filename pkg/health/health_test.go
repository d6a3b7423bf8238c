package health

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/heptiolabs/healthcheck"
	"github.com/stretchr/testify/assert"

	"github.com/srediag/shmem/pkg/shm"
)

type fakePool struct {
	err   error
	stats shm.Stats
}

func (f *fakePool) Check() error { return f.err }

func (f *fakePool) Stats() (shm.Stats, error) { return f.stats, f.err }

func status(h healthcheck.Handler, path string) int {
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, path, nil))
	return rw.Code
}

func TestRegister(t *testing.T) {
	p := &fakePool{stats: shm.Stats{UsedBytes: 1 << 20}}
	h := healthcheck.NewHandler()
	Register(h, "pool", p, 2<<20)

	assert.Equal(t, http.StatusOK, status(h, "/live"))
	assert.Equal(t, http.StatusOK, status(h, "/ready"))

	p.stats.UsedBytes = 3 << 20
	assert.Equal(t, http.StatusOK, status(h, "/live"))
	assert.Equal(t, http.StatusServiceUnavailable, status(h, "/ready"))

	p.err = shm.ErrDetached
	assert.Equal(t, http.StatusServiceUnavailable, status(h, "/live"))
}

func TestUsageCheck(t *testing.T) {
	p := &fakePool{stats: shm.Stats{UsedBytes: 4096}}
	assert.NoError(t, UsageCheck(p, 4096)())
	assert.Error(t, UsageCheck(p, 4095)())

	p.err = errors.New("boom")
	assert.EqualError(t, UsageCheck(p, 1<<30)(), "boom")
	assert.EqualError(t, AttachedCheck(p)(), "boom")
}

// Package shm provides a shared memory pool that independent processes map
// at the same address, so pointers stored in the pool are valid everywhere.
//
// A pool is a chain of backing segments (files, physmem devices, whole
// devices or System-V segments) laid out in a reserved address range that is
// split into a physical and a virtual half. The first segment carries the
// pool-wide layout and an admin structure with global values, the arena
// configuration and the allocator state.
//
// It is instrumented with OpenTelemetry metrics and tracing (OTel Go SDK v1.30.0).
//
// Example usage:
//
//	cfg := shm.DefaultConfig()
//	_ = cfg.SetOption("file", "/dev/shm/pool:64M")
//	if _, err := shm.PrototypeInit(ctx, cfg); err != nil {
//	  // ...
//	}
//	pool, err := shm.Attach(ctx, cfg)
//	// ...
//	obj, err := shm.Alloc[Record](pool)
//	rec, err := obj.RWRef(pool)
//	// ...
//	_ = obj.RWRelease(pool)
//	_ = pool.Detach(ctx)
//
// Platform-specific helpers are in internal/shm.
package shm

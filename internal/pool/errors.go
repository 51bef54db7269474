package pool

import "errors"

// ErrNoKernelAvailable is returned by Acquire when every kernel is busy
// and the pool is already at MaxKernels, or when the pool attempted to
// create a new kernel to serve the request and that create failed.
// Either way the engine's retry loop treats it identically (§4.5,
// §7 PoolExhausted).
var ErrNoKernelAvailable = errors.New("no available kernels in pool")

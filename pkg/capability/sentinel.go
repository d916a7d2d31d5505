package capability

import "context"

// Sentinel values installed in a ProxySlot before any real domain has
// been loaded (§4.6). Every method returns ErrNotImplemented; Init is
// a no-op so a proxy can "initialise" its sentinel without special-
// casing the empty-instance path.

// ErrNotImplemented is returned by every sentinel method.
var ErrNotImplemented = errNotImplemented{}

type errNotImplemented struct{}

func (errNotImplemented) Error() string { return "NotImplemented: empty sentinel instance called" }

type sentinelLog struct{}

func (sentinelLog) Init(InitArgs) error                                 { return nil }
func (sentinelLog) Write(context.Context, LogLevel, string) error       { return ErrNotImplemented }
func (sentinelLog) Flush(context.Context) error                        { return ErrNotImplemented }

// SentinelLog is the empty Log instance.
func SentinelLog() Log { return sentinelLog{} }

type sentinelEmptyDevice struct{}

func (sentinelEmptyDevice) Init(InitArgs) error         { return nil }
func (sentinelEmptyDevice) Ping(context.Context) error  { return ErrNotImplemented }

// SentinelEmptyDevice is the empty EmptyDevice instance.
func SentinelEmptyDevice() EmptyDevice { return sentinelEmptyDevice{} }

type sentinelBlockDevice struct{}

func (sentinelBlockDevice) Init(InitArgs) error { return nil }
func (sentinelBlockDevice) ReadAt(context.Context, uint64, []byte) (int, error) {
	return 0, ErrNotImplemented
}
func (sentinelBlockDevice) WriteAt(context.Context, uint64, []byte) (int, error) {
	return 0, ErrNotImplemented
}
func (sentinelBlockDevice) Size(context.Context) (uint64, error) { return 0, ErrNotImplemented }

// SentinelBlockDevice is the empty BlockDevice instance.
func SentinelBlockDevice() BlockDevice { return sentinelBlockDevice{} }

type sentinelNvme struct {
	sentinelBlockDevice
}

func (sentinelNvme) Identify(context.Context) (NvmeIdentity, error) {
	return NvmeIdentity{}, ErrNotImplemented
}

// SentinelNvmeBlockDevice is the empty NvmeBlockDevice instance.
func SentinelNvmeBlockDevice() NvmeBlockDevice { return sentinelNvme{} }

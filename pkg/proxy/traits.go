package proxy

import (
	"context"

	"github.com/jimyag/domaind/pkg/capability"
	"github.com/jimyag/domaind/pkg/registry"
)

// LogProxy forwards capability.Log calls through a Proxy[capability.Log].
type LogProxy struct {
	*Proxy[capability.Log]
}

// NewLogProxy returns a LogProxy holding the empty Log sentinel, its
// panics recorded against book.
func NewLogProxy(book *registry.InfoBook) *LogProxy {
	return &LogProxy{Proxy: New[capability.Log](capability.SentinelLog(), book)}
}

func (p *LogProxy) Init(args capability.InitArgs) error {
	return call(p.Proxy, func(inst capability.Log) error { return inst.Init(args) })
}

func (p *LogProxy) Write(ctx context.Context, level capability.LogLevel, message string) error {
	return call(p.Proxy, func(inst capability.Log) error { return inst.Write(ctx, level, message) })
}

func (p *LogProxy) Flush(ctx context.Context) error {
	return call(p.Proxy, func(inst capability.Log) error { return inst.Flush(ctx) })
}

// EmptyDeviceProxy forwards capability.EmptyDevice calls through a
// Proxy[capability.EmptyDevice].
type EmptyDeviceProxy struct {
	*Proxy[capability.EmptyDevice]
}

// NewEmptyDeviceProxy returns an EmptyDeviceProxy holding the empty
// sentinel, its panics recorded against book.
func NewEmptyDeviceProxy(book *registry.InfoBook) *EmptyDeviceProxy {
	return &EmptyDeviceProxy{Proxy: New[capability.EmptyDevice](capability.SentinelEmptyDevice(), book)}
}

func (p *EmptyDeviceProxy) Init(args capability.InitArgs) error {
	return call(p.Proxy, func(inst capability.EmptyDevice) error { return inst.Init(args) })
}

func (p *EmptyDeviceProxy) Ping(ctx context.Context) error {
	return call(p.Proxy, func(inst capability.EmptyDevice) error { return inst.Ping(ctx) })
}

// BlockDeviceProxy forwards capability.BlockDevice calls through a
// Proxy[capability.BlockDevice].
type BlockDeviceProxy struct {
	*Proxy[capability.BlockDevice]
}

// NewBlockDeviceProxy returns a BlockDeviceProxy holding the empty
// sentinel, its panics recorded against book.
func NewBlockDeviceProxy(book *registry.InfoBook) *BlockDeviceProxy {
	return &BlockDeviceProxy{Proxy: New[capability.BlockDevice](capability.SentinelBlockDevice(), book)}
}

func (p *BlockDeviceProxy) Init(args capability.InitArgs) error {
	return call(p.Proxy, func(inst capability.BlockDevice) error { return inst.Init(args) })
}

func (p *BlockDeviceProxy) ReadAt(ctx context.Context, lba uint64, buf []byte) (int, error) {
	return callValue(p.Proxy, func(inst capability.BlockDevice) (int, error) { return inst.ReadAt(ctx, lba, buf) })
}

func (p *BlockDeviceProxy) WriteAt(ctx context.Context, lba uint64, buf []byte) (int, error) {
	return callValue(p.Proxy, func(inst capability.BlockDevice) (int, error) { return inst.WriteAt(ctx, lba, buf) })
}

func (p *BlockDeviceProxy) Size(ctx context.Context) (uint64, error) {
	return callValue(p.Proxy, func(inst capability.BlockDevice) (uint64, error) { return inst.Size(ctx) })
}

// NvmeBlockDeviceProxy forwards capability.NvmeBlockDevice calls
// through a Proxy[capability.NvmeBlockDevice].
type NvmeBlockDeviceProxy struct {
	*Proxy[capability.NvmeBlockDevice]
}

// NewNvmeBlockDeviceProxy returns an NvmeBlockDeviceProxy holding the
// empty sentinel, its panics recorded against book.
func NewNvmeBlockDeviceProxy(book *registry.InfoBook) *NvmeBlockDeviceProxy {
	return &NvmeBlockDeviceProxy{Proxy: New[capability.NvmeBlockDevice](capability.SentinelNvmeBlockDevice(), book)}
}

func (p *NvmeBlockDeviceProxy) Init(args capability.InitArgs) error {
	return call(p.Proxy, func(inst capability.NvmeBlockDevice) error { return inst.Init(args) })
}

func (p *NvmeBlockDeviceProxy) ReadAt(ctx context.Context, lba uint64, buf []byte) (int, error) {
	return callValue(p.Proxy, func(inst capability.NvmeBlockDevice) (int, error) { return inst.ReadAt(ctx, lba, buf) })
}

func (p *NvmeBlockDeviceProxy) WriteAt(ctx context.Context, lba uint64, buf []byte) (int, error) {
	return callValue(p.Proxy, func(inst capability.NvmeBlockDevice) (int, error) { return inst.WriteAt(ctx, lba, buf) })
}

func (p *NvmeBlockDeviceProxy) Size(ctx context.Context) (uint64, error) {
	return callValue(p.Proxy, func(inst capability.NvmeBlockDevice) (uint64, error) { return inst.Size(ctx) })
}

func (p *NvmeBlockDeviceProxy) Identify(ctx context.Context) (capability.NvmeIdentity, error) {
	return callValue(p.Proxy, func(inst capability.NvmeBlockDevice) (capability.NvmeIdentity, error) { return inst.Identify(ctx) })
}

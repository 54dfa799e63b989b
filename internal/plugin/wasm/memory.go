package wasm

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"agentswarm/internal/domain"
)

const pageSize = 64 << 10

// guestMem is bounds-checked access to a guest's linear memory and its
// malloc/free exports.
type guestMem struct {
	mod api.Module
}

// guestBuf is a region allocated inside the guest.
type guestBuf struct {
	ptr, size uint32
}

// view copies size bytes at ptr out of guest memory. The returned slice
// never aliases the guest.
func (g guestMem) view(ptr, size uint32) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	raw, ok := g.mod.Memory().Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("%w: guest read [%d, %d) out of bounds", domain.ErrToolExecution, ptr, uint64(ptr)+uint64(size))
	}
	return append([]byte(nil), raw...), nil
}

func (g guestMem) text(ptr, size uint32) (string, error) {
	b, err := g.view(ptr, size)
	return string(b), err
}

// put allocates len(data) bytes with the guest's malloc and copies data in.
// A null pointer from malloc means the guest is out of memory.
func (g guestMem) put(ctx context.Context, data []byte) (guestBuf, error) {
	if len(data) == 0 {
		return guestBuf{}, nil
	}
	malloc := g.mod.ExportedFunction("malloc")
	if malloc == nil {
		return guestBuf{}, fmt.Errorf("%w: guest does not export malloc", domain.ErrToolExecution)
	}
	size := uint32(len(data))
	res, err := malloc.Call(ctx, uint64(size))
	switch {
	case err != nil:
		return guestBuf{}, fmt.Errorf("%w: malloc(%d): %v", domain.ErrToolExecution, size, err)
	case len(res) == 0:
		return guestBuf{}, fmt.Errorf("%w: malloc returned nothing", domain.ErrToolExecution)
	case res[0] == 0:
		return guestBuf{}, fmt.Errorf("%w: malloc(%d) returned null", domain.ErrSandboxResourceExceeded, size)
	}
	buf := guestBuf{ptr: uint32(res[0]), size: size}
	if !g.mod.Memory().Write(buf.ptr, data) {
		return guestBuf{}, fmt.Errorf("%w: guest write at %d out of bounds", domain.ErrToolExecution, buf.ptr)
	}
	return buf, nil
}

// release hands buf back to the guest's free export, if it has one.
func (g guestMem) release(ctx context.Context, buf guestBuf) {
	if buf.ptr == 0 {
		return
	}
	if free := g.mod.ExportedFunction("free"); free != nil {
		_, _ = free.Call(ctx, uint64(buf.ptr), uint64(buf.size))
	}
}

package camera

import (
	"fmt"
	"sync"

	"github.com/bryanchriswhite/QRInspector/internal/logger"
	"github.com/bryanchriswhite/QRInspector/internal/sdk"
)

// BufferAlignment is the alignment the vendor ISP expects for output buffers
const BufferAlignment = 16

// FrameBuffer is the aligned region the SDK converts every frame into. It is
// allocated once per session and overwritten on every capture, so data read
// from it is only valid until the next cycle.
type FrameBuffer struct {
	sdk  sdk.SDK
	buf  []byte
	once sync.Once
}

// BufferSize returns the capacity needed for the sensor's largest frame
func BufferSize(c sdk.Capability) int {
	channels := 3
	if c.IsMono {
		channels = 1
	}
	return c.MaxWidth * c.MaxHeight * channels
}

// AllocateFrameBuffer obtains size bytes aligned to align from the SDK
func AllocateFrameBuffer(s sdk.SDK, size, align int) (*FrameBuffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid frame buffer size %d", size)
	}
	buf, err := s.AlignMalloc(size, align)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate frame buffer: %w", err)
	}
	if len(buf) < size {
		s.AlignFree(buf)
		return nil, fmt.Errorf("SDK returned %d bytes, requested %d", len(buf), size)
	}

	logger.WithComponent("framebuffer").Debug().
		Int("size", size).
		Int("align", align).
		Msg("Frame buffer allocated")

	return &FrameBuffer{sdk: s, buf: buf[:size:size]}, nil
}

// Bytes returns the buffer, or nil once freed
func (b *FrameBuffer) Bytes() []byte {
	return b.buf
}

// Cap returns the buffer capacity in bytes
func (b *FrameBuffer) Cap() int {
	return len(b.buf)
}

// Free returns the buffer to the SDK. Only the first call has an effect.
func (b *FrameBuffer) Free() {
	b.once.Do(func() {
		b.sdk.AlignFree(b.buf)
		b.buf = nil
		logger.WithComponent("framebuffer").Debug().Msg("Frame buffer freed")
	})
}

package engine

import (
	"testing"
)

func TestBufferPool_DefaultSize(t *testing.T) {
	bp := NewBufferPool(0)

	buf := bp.Get()
	if buf == nil {
		t.Fatalf("expected a valid buffer pointer, got nil")
	}
	if len(*buf) != DefaultBufferSize || bp.Size() != DefaultBufferSize {
		t.Errorf("expected buffer size %d, got %d", DefaultBufferSize, len(*buf))
	}

	bp.Put(buf)
}

func TestBufferPool_RestoresLength(t *testing.T) {
	customSize := 8192
	bp := NewBufferPool(customSize)

	buf1 := bp.Get()
	*buf1 = (*buf1)[:10]
	bp.Put(buf1)

	buf2 := bp.Get()
	if len(*buf2) != customSize {
		t.Errorf("expected reused buffer size %d, got %d", customSize, len(*buf2))
	}
	bp.Put(buf2)
}

func TestBufferPool_DropsForeignBuffers(t *testing.T) {
	bp := NewBufferPool(64)
	small := make([]byte, 8)
	bp.Put(&small)
	bp.Put(nil)

	if buf := bp.Get(); len(*buf) != 64 {
		t.Errorf("expected a 64 byte buffer, got %d", len(*buf))
	}
}

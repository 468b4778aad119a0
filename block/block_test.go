package block

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elos/errno"
	"elos/kconfig"
)

func TestHandlerCompletionCounting(t *testing.T) {
	h := NewHandler(4, false, nil)
	h.Start()

	h.Done(0)
	h.Done(errno.Io)
	h.Done(0)
	assert.Equal(t, 3, h.DoneCount())
	h.Done(0)

	err := h.Wait()
	assert.Equal(t, errno.Io, err, "first non-zero error observed must be retained")
	assert.Equal(t, 4, h.DoneCount())
}

func TestHandlerCompletionOutOfOrderMatchesS5(t *testing.T) {
	// spec.md §8 S5: completions arrive (0: OK) (2: EIO) (1: OK) (3: OK).
	h := NewHandler(4, false, nil)
	h.Start()
	h.Done(0)
	h.Done(errno.Io)
	h.Done(0)
	h.Done(0)
	assert.Equal(t, errno.Io, h.Wait())
	assert.Equal(t, 4, h.DoneCount())
}

func TestAsyncHandlerFiresWhenAlreadyCompleteBeforeStart(t *testing.T) {
	var mu sync.Mutex
	var fired errno.Err
	var count int
	h := NewHandler(2, true, func(err errno.Err) {
		mu.Lock()
		fired = err
		count++
		mu.Unlock()
	})

	h.Done(0)
	h.Done(errno.Io)
	h.Start() // completions raced ahead of setup; Start must still fire the event

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count, "async event must fire exactly once")
	assert.Equal(t, errno.Io, fired)
}

func TestAsyncHandlerFiresOnLastDoneAfterStart(t *testing.T) {
	var count int
	h := NewHandler(2, true, func(errno.Err) { count++ })
	h.Start()
	h.Done(0)
	assert.Equal(t, 0, count)
	h.Done(0)
	assert.Equal(t, 1, count)
}

type fakeDevice struct {
	mu    sync.Mutex
	disk  map[uint64][]byte
	reads int
}

func newFakeDevice() *fakeDevice { return &fakeDevice{disk: make(map[uint64][]byte)} }

func (d *fakeDevice) Submit(req *Request) errno.Err {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch req.Type {
	case ReadReq:
		d.reads++
		if data, ok := d.disk[req.Block]; ok {
			copy(req.Buf, data)
		}
	case WriteReq:
		buf := make([]byte, len(req.Buf))
		copy(buf, req.Buf)
		d.disk[req.Block] = buf
	}
	if req.Handler != nil {
		req.Handler.Done(0)
	}
	return 0
}

func TestCacheWriteThroughThenRead(t *testing.T) {
	dev := newFakeDevice()
	p := NewProvider("disk0", 8, 0, 512, dev).WithCache(4)

	writeBuf := make([]byte, 512)
	writeBuf[0] = 0xAB
	require.Zero(t, p.Submit(&Request{Provider: p, Type: WriteReq, Block: 5, Buf: writeBuf}))

	readBuf := make([]byte, 512)
	require.Zero(t, p.Submit(&Request{Provider: p, Type: ReadReq, Block: 5, Buf: readBuf}))
	assert.Equal(t, byte(0xAB), readBuf[0])
}

func TestObjectDepthCapped(t *testing.T) {
	dev := newFakeDevice()
	p0 := NewProvider("p0", 0, 0, 512, dev)

	cur := p0
	for i := 0; i < kconfig.BlockProviderMaxDepth; i++ {
		obj, err := NewObject("layer", 512, dev, cur)
		require.Zero(t, err)
		cur = obj.Exports
	}

	_, err := NewObject("toodeep", 512, dev, cur)
	assert.Equal(t, errno.InvalidArgument, err)
}

func TestProviderInUseCannotBeRemoved(t *testing.T) {
	dev := newFakeDevice()
	p0 := NewProvider("p0", 0, 0, 512, dev)
	_, err := NewObject("layer", 512, dev, p0)
	require.Zero(t, err)

	assert.Equal(t, errno.Busy, p0.Remove(nil))
}

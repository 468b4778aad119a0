package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeTarget struct {
	stopped    bool
	continued  bool
	terminated bool
	core       bool
	sig        Signal
}

func (f *fakeTarget) Stop()     { f.stopped = true }
func (f *fakeTarget) Continue() { f.continued = true }
func (f *fakeTarget) Terminate(sig Signal, core bool) {
	f.terminated = true
	f.core = core
	f.sig = sig
}

func TestUnblockableCannotBeMaskedOrIgnored(t *testing.T) {
	p := NewProcState()
	th := NewThreadState()

	require.Zero(t, p.SetDisposition(Signal(unix.SIGKILL), ActionIgnore, 0, 0))
	th.SetMask(Set(0).Add(Signal(unix.SIGKILL)))
	assert.False(t, th.Mask().Has(Signal(unix.SIGKILL)), "SIGKILL must never be maskable")

	p.Raise(Signal(unix.SIGKILL))
	target := &fakeTarget{}
	_, handlerFrame := Deliver(p, th, target)
	assert.False(t, handlerFrame, "an ignored-but-unblockable signal never builds a handler frame")
	assert.True(t, target.terminated, "SIGKILL's default action still fires despite the IGN disposition")
}

func TestDeliveryPrefersSegvAndKill(t *testing.T) {
	p := NewProcState()
	th := NewThreadState()
	p.Raise(Signal(unix.SIGTERM))
	p.Raise(Signal(unix.SIGSEGV))

	sig, ok := Deliverable(p, th)
	require.True(t, ok)
	assert.Equal(t, Signal(unix.SIGSEGV), sig)
}

func TestMaskedSignalNotDeliverable(t *testing.T) {
	p := NewProcState()
	th := NewThreadState()
	th.SetMask(Set(0).Add(Signal(unix.SIGUSR1)))
	p.Raise(Signal(unix.SIGUSR1))

	_, ok := Deliverable(p, th)
	assert.False(t, ok)
}

func TestHandlerDispositionBuildsFrameAndSigreturnRestoresMask(t *testing.T) {
	p := NewProcState()
	th := NewThreadState()
	th.SetMask(Set(0).Add(Signal(unix.SIGUSR2)))

	require.Zero(t, p.SetDisposition(Signal(unix.SIGUSR1), ActionHandler, 0, 0))
	p.Raise(Signal(unix.SIGUSR1))

	frame, ok := Deliver(p, th, &fakeTarget{})
	require.True(t, ok)
	assert.Equal(t, Signal(unix.SIGUSR1), frame.Sig)
	assert.True(t, th.Mask().Has(Signal(unix.SIGUSR1)), "without SA_NODEFER, the handler's own signal blocks during it")

	Sigreturn(th, frame)
	assert.True(t, th.Mask().Has(Signal(unix.SIGUSR2)), "sigreturn restores the pre-handler mask")
	assert.False(t, th.Mask().Has(Signal(unix.SIGUSR1)))
}

func TestDefaultStopAndContinue(t *testing.T) {
	p := NewProcState()
	th := NewThreadState()
	target := &fakeTarget{}

	p.Raise(Signal(unix.SIGSTOP))
	_, ok := Deliver(p, th, target)
	assert.False(t, ok)
	assert.True(t, target.stopped)

	p.Raise(Signal(unix.SIGCONT))
	_, ok = Deliver(p, th, target)
	assert.False(t, ok)
	assert.True(t, target.continued)
}

func TestIgnoredSignalConsumedSilently(t *testing.T) {
	p := NewProcState()
	th := NewThreadState()
	require.Zero(t, p.SetDisposition(Signal(unix.SIGUSR1), ActionIgnore, 0, 0))
	p.Raise(Signal(unix.SIGUSR1))

	_, ok := Deliver(p, th, &fakeTarget{})
	assert.False(t, ok)
	assert.False(t, p.Pending().Has(Signal(unix.SIGUSR1)))
}

package tty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type fakeSignals struct {
	sent []struct {
		pgid int32
		sig  int
	}
}

func (f *fakeSignals) Send(pgid int32, sig int) {
	f.sent = append(f.sent, struct {
		pgid int32
		sig  int
	}{pgid, sig})
}

func TestCanonicalLineDeliveredOnNewline(t *testing.T) {
	tty := New(&fakeSignals{}, 256)
	tty.SetForegroundPgrp(1)
	for _, b := range []byte("hello\n") {
		require.Zero(t, tty.Input(b))
	}
	buf := make([]byte, 16)
	n := tty.Read(buf)
	assert.Equal(t, "hello\n", string(buf[:n]))
}

func TestCanonicalLinePartialNotDeliveredUntilNewline(t *testing.T) {
	tty := New(&fakeSignals{}, 256)
	tty.SetForegroundPgrp(1)
	for _, b := range []byte("abc") {
		require.Zero(t, tty.Input(b))
	}
	buf := make([]byte, 16)
	n := tty.Read(buf)
	assert.Zero(t, n)
}

func TestVINTRFlushesAndSendsSIGINT(t *testing.T) {
	sig := &fakeSignals{}
	tty := New(sig, 256)
	tty.SetForegroundPgrp(7)
	tty.Input('a')
	tty.Input('b')
	require.Zero(t, tty.Input(tty.termios.CC[VINTR]))

	buf := make([]byte, 16)
	n := tty.Read(buf)
	assert.Zero(t, n, "VINTR must flush the pending line")
	require.Len(t, sig.sent, 1)
	assert.Equal(t, int32(7), sig.sent[0].pgid)
	assert.Equal(t, int(unix.SIGINT), sig.sent[0].sig)
}

func TestBackgroundWriteSendsSIGTTOU(t *testing.T) {
	sig := &fakeSignals{}
	tty := New(sig, 256)
	tty.SetForegroundPgrp(1)

	err := tty.CheckBackgroundWrite(2, false)
	assert.NotZero(t, err)
	require.Len(t, sig.sent, 1)
	assert.Equal(t, int32(2), sig.sent[0].pgid, "only the writer's own pgrp is signaled")
	assert.Equal(t, int(unix.SIGTTOU), sig.sent[0].sig)
}

func TestBackgroundWriteIgnoredSIGTTOUDoesNotBlock(t *testing.T) {
	sig := &fakeSignals{}
	tty := New(sig, 256)
	tty.SetForegroundPgrp(1)

	err := tty.CheckBackgroundWrite(2, true)
	assert.Zero(t, err)
	assert.Empty(t, sig.sent)
}

func TestForegroundWriteNeverSignaled(t *testing.T) {
	sig := &fakeSignals{}
	tty := New(sig, 256)
	tty.SetForegroundPgrp(1)

	err := tty.CheckBackgroundWrite(1, false)
	assert.Zero(t, err)
	assert.Empty(t, sig.sent)
}

func TestOutputONLCRInsertsCR(t *testing.T) {
	tty := New(&fakeSignals{}, 256)
	tty.Output('\n')
	buf := make([]byte, 4)
	n := tty.DrainOutput(buf)
	assert.Equal(t, "\r\n", string(buf[:n]))
}

func TestOutputTabAlignsToEight(t *testing.T) {
	tty := New(&fakeSignals{}, 256)
	tty.Output('a')
	tty.Output('\t')
	buf := make([]byte, 16)
	n := tty.DrainOutput(buf)
	assert.Equal(t, 8, n, "a tab from column 1 pads to column 8")
}

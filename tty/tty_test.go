package tty

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// TestCanonical is the canonical-line property from spec §8: ICANON
// input "abc\b\b\bhello\n" yields a blocking read(256) of exactly
// "hello\n".
func TestCanonical(t *testing.T) {
	tt := New()
	tio := tt.GetTermios()
	tio.Cc[unix.VERASE] = '\b'
	require.NoError(t, tt.SetTermios(tio, TCSETS))

	tt.RxPutbuf([]byte("abc\b\b\bhello\n"))

	buf := make([]byte, 256)
	n, err := tt.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(buf[:n]))
}

// TestEraseEcho is the erase-echo property from spec §8: input "a\b"
// with ECHO|ECHOE accrues exactly "a\b \b" in the transmit queue.
func TestEraseEcho(t *testing.T) {
	tt := New()
	tio := tt.GetTermios()
	tio.Cc[unix.VERASE] = '\b'
	require.NoError(t, tt.SetTermios(tio, TCSETS))

	tt.RxPutbuf([]byte("a\b"))

	require.Equal(t, 4, tt.OutputQueueLen())

	got := tt.TxGetbuf(16)
	require.Equal(t, "a\b \b", string(got))
}

// TestEOFSplitsReads is scenario 5 from spec §8: ICANON with VEOF at
// ^D, input "line1\n^Dline2\n" yields two reads — "line1\n" then
// "line2\n" — with ^D consumed and never delivered.
func TestEOFSplitsReads(t *testing.T) {
	tt := New()

	tt.RxPutbuf([]byte("line1\n"))
	tt.RxPutc(tt.GetTermios().Cc[unix.VEOF])
	tt.RxPutbuf([]byte("line2\n"))

	buf := make([]byte, 256)

	n, err := tt.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "line1\n", string(buf[:n]))

	n, err = tt.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "line2\n", string(buf[:n]))
}

// TestWordErase checks VWERASE removes exactly one trailing word.
func TestWordErase(t *testing.T) {
	tt := New()
	tio := tt.GetTermios()
	tio.Lflag &^= unix.ECHO | unix.ECHOE
	require.NoError(t, tt.SetTermios(tio, TCSETS))

	tt.RxPutbuf([]byte("hello world"))
	tt.RxPutc(tt.GetTermios().Cc[unix.VWERASE])
	tt.RxPutbuf([]byte("there\n"))

	buf := make([]byte, 256)
	n, err := tt.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello there\n", string(buf[:n]))
}

// TestKillLine checks VKILL clears the whole in-progress line.
func TestKillLine(t *testing.T) {
	tt := New()
	tio := tt.GetTermios()
	tio.Lflag &^= unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHOKE
	require.NoError(t, tt.SetTermios(tio, TCSETS))

	tt.RxPutbuf([]byte("garbage"))
	tt.RxPutc(tt.GetTermios().Cc[unix.VKILL])
	tt.RxPutbuf([]byte("clean\n"))

	buf := make([]byte, 256)
	n, err := tt.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "clean\n", string(buf[:n]))
}

// TestRawModeReleasesImmediately checks that outside ICANON every
// committed byte is immediately visible to Read, with no line
// buffering.
func TestRawModeReleasesImmediately(t *testing.T) {
	tt := New()
	tio := tt.GetTermios()
	tio.Lflag &^= unix.ICANON | unix.ECHO
	require.NoError(t, tt.SetTermios(tio, TCSETS))

	tt.RxPutc('x')

	buf := make([]byte, 16)
	n, err := tt.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "x", string(buf[:n]))
}

// TestFlowControl checks that VSTOP/VSTART toggle the tx_stopped flag
// and block/release Write.
func TestFlowControl(t *testing.T) {
	tt := New()
	tio := tt.GetTermios()
	tio.Iflag |= unix.IXON
	tio.Lflag &^= unix.ICANON | unix.ECHO
	require.NoError(t, tt.SetTermios(tio, TCSETS))

	tt.RxPutc(tio.Cc[unix.VSTOP])

	done := make(chan struct{})
	go func() {
		_, _ = tt.Write([]byte("x"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("write completed while flow-stopped")
	default:
	}

	tt.RxPutc(tio.Cc[unix.VSTART])
	<-done

	require.Equal(t, byte('x'), tt.TxGetbuf(1)[0])
}

// TestOutputFormatting checks ONLCR newline translation in Write.
func TestOutputFormatting(t *testing.T) {
	tt := New()

	n, err := tt.Write([]byte("a\nb"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, "a\r\nb", string(tt.TxGetbuf(16)))
}

// TestDestroyWakesReaders checks that Destroy unblocks a pending Read
// with an error rather than hanging forever (spec §4.2 "Teardown").
func TestDestroyWakesReaders(t *testing.T) {
	tt := New()

	errc := make(chan error, 1)
	go func() {
		_, err := tt.Read(make([]byte, 16))
		errc <- err
	}()

	tt.Destroy()
	require.Error(t, <-errc)
}

// TestIoctlWinsize exercises TIOCSWINSZ/TIOCGWINSZ via the generic
// Ioctl dispatcher.
func TestIoctlWinsize(t *testing.T) {
	tt := New()

	ws := unix.Winsize{Row: 24, Col: 80}
	_, err := tt.Ioctl(unix.TIOCSWINSZ, ws)
	require.NoError(t, err)

	got, err := tt.Ioctl(unix.TIOCGWINSZ, nil)
	require.NoError(t, err)
	require.Equal(t, ws, got)
}

// TestTCSBRKRequiresNonzeroDuration checks spec §4.2's TCSBRK
// restriction to drain-only behaviour.
func TestTCSBRKRequiresNonzeroDuration(t *testing.T) {
	tt := New()
	require.Error(t, tt.Drain(0))
	require.NoError(t, tt.Drain(1))
}

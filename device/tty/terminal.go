// Package tty provides the terminal device that backs DEV:\TTY0. The
// terminal renders kernel and process output to the system console and
// buffers the bytes the input drivers feed it. DOS console services and the
// native standard descriptors both end up here.
package tty

import (
	"io"

	"immdos/device"
	"immdos/device/video/console"
	"immdos/kernel"
	"immdos/kernel/fs"
	"immdos/kernel/sync"
)

const inputBufSize = 256

// Terminal multiplexes character output onto an attached console device and
// exposes buffered input as a character device.
type Terminal struct {
	mutex sync.Spinlock

	cons   console.Device
	curX   uint32
	curY   uint32
	width  uint32
	height uint32
	fg     uint8
	bg     uint8

	input   [inputBufSize]byte
	readPos int
	count   int

	// blockFn is invoked while a blocking read waits for input.
	blockFn func()
}

// NewTerminal creates a detached terminal.
func NewTerminal() *Terminal {
	return &Terminal{blockFn: func() {}}
}

// AttachTo connects the terminal to a console device.
func (t *Terminal) AttachTo(cons console.Device) {
	t.cons = cons
	t.width, t.height = cons.Dimensions()
	t.fg, t.bg = cons.DefaultColors()
	t.curX, t.curY = 0, 0
}

// SetBlockFn registers the function used to give up the CPU while a read
// waits for input.
func (t *Terminal) SetBlockFn(fn func()) { t.blockFn = fn }

// InjectInput feeds one input byte from the keyboard or serial driver.
func (t *Terminal) InjectInput(b byte) {
	t.mutex.Acquire()
	if t.count < inputBufSize {
		t.input[(t.readPos+t.count)%inputBufSize] = b
		t.count++
	}
	t.mutex.Release()
}

// Read blocks until at least one input byte is available.
func (t *Terminal) Read(buf []byte) (int, *kernel.Error) {
	if len(buf) == 0 {
		return 0, nil
	}

	for {
		t.mutex.Acquire()
		if t.count > 0 {
			n := 0
			for n < len(buf) && t.count > 0 {
				buf[n] = t.input[t.readPos]
				t.readPos = (t.readPos + 1) % inputBufSize
				t.count--
				n++
			}
			t.mutex.Release()
			return n, nil
		}
		t.mutex.Release()
		t.blockFn()
	}
}

// Write renders the buffer to the attached console.
func (t *Terminal) Write(buf []byte) (int, *kernel.Error) {
	t.mutex.Acquire()
	defer t.mutex.Release()

	for _, b := range buf {
		t.writeByte(b)
	}
	return len(buf), nil
}

// Ioctl implements the terminal control surface.
func (t *Terminal) Ioctl(cmd, _ uint32) (uint32, *kernel.Error) {
	switch cmd {
	case fs.IoctlInputReady:
		t.mutex.Acquire()
		defer t.mutex.Release()
		return uint32(t.count), nil
	default:
		return 0, fs.ErrNotSupported
	}
}

// writeByte renders one byte, handling CR/LF/BS/TAB.
func (t *Terminal) writeByte(b byte) {
	if t.cons == nil {
		return
	}

	switch b {
	case '\r':
		t.curX = 0
	case '\n':
		t.curX = 0
		t.lf()
	case '\b':
		if t.curX > 0 {
			t.curX--
			t.cons.Write(' ', t.fg, t.bg, t.curX, t.curY)
		}
	case '\t':
		for next := (t.curX &^ 7) + 8; t.curX < next; t.curX++ {
			if t.curX >= t.width {
				break
			}
			t.cons.Write(' ', t.fg, t.bg, t.curX, t.curY)
		}
		if t.curX >= t.width {
			t.curX = 0
			t.lf()
		}
	default:
		t.cons.Write(b, t.fg, t.bg, t.curX, t.curY)
		t.curX++
		if t.curX >= t.width {
			t.curX = 0
			t.lf()
		}
	}
}

func (t *Terminal) lf() {
	if t.curY+1 < t.height {
		t.curY++
		return
	}
	t.cons.Scroll(console.ScrollDirUp, 1)
	t.cons.Fill(0, t.height-1, t.width, 1, t.fg, t.bg)
}

// sinkWriter adapts the terminal to io.Writer so it can serve as the kfmt
// output sink.
type sinkWriter struct{ t *Terminal }

func (w sinkWriter) Write(p []byte) (int, error) {
	n, err := w.t.Write(p)
	if err != nil {
		return n, err
	}
	return n, nil
}

// Sink returns an io.Writer rendering to this terminal.
func (t *Terminal) Sink() io.Writer {
	return sinkWriter{t: t}
}

// DriverName returns the name of this driver.
func (t *Terminal) DriverName() string { return "tty" }

// DriverVersion returns the version of this driver.
func (t *Terminal) DriverVersion() (uint16, uint16, uint16) { return 0, 0, 1 }

// DriverInit implements device.Driver.
func (t *Terminal) DriverInit(_ io.Writer) *kernel.Error { return nil }

var _ device.Driver = (*Terminal)(nil)
var _ fs.CharDevice = (*Terminal)(nil)

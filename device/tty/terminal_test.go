package tty

import (
	"runtime"
	"testing"

	"immdos/device/video/console"
	"immdos/kernel/fs"
)

// fakeConsole records writes into a character grid.
type fakeConsole struct {
	grid    [25][80]byte
	scrolls int
}

func (c *fakeConsole) Dimensions() (uint32, uint32)  { return 80, 25 }
func (c *fakeConsole) DefaultColors() (uint8, uint8) { return 7, 0 }
func (c *fakeConsole) SetMode(uint8) bool            { return true }
func (c *fakeConsole) Fill(x, y, w, h uint32, _, _ uint8) {
	for row := y; row < y+h && row < 25; row++ {
		for col := x; col < x+w && col < 80; col++ {
			c.grid[row][col] = 0
		}
	}
}
func (c *fakeConsole) Scroll(_ console.ScrollDir, lines uint32) {
	c.scrolls += int(lines)
}
func (c *fakeConsole) Write(ch byte, _, _ uint8, x, y uint32) {
	if x < 80 && y < 25 {
		c.grid[y][x] = ch
	}
}

func newTestTerminal() (*Terminal, *fakeConsole) {
	cons := &fakeConsole{}
	term := NewTerminal()
	term.AttachTo(cons)
	term.SetBlockFn(runtime.Gosched)
	return term, cons
}

func TestTerminalWriteAndWrap(t *testing.T) {
	term, cons := newTestTerminal()

	if _, err := term.Write([]byte("hi\nthere")); err != nil {
		t.Fatal(err)
	}
	if cons.grid[0][0] != 'h' || cons.grid[0][1] != 'i' {
		t.Fatal("expected the first line rendered at the origin")
	}
	if cons.grid[1][0] != 't' {
		t.Fatal("expected the newline to advance the row")
	}
}

func TestTerminalInputRoundTrip(t *testing.T) {
	term, _ := newTestTerminal()

	for _, b := range []byte("echo\r") {
		term.InjectInput(b)
	}

	if ready, err := term.Ioctl(fs.IoctlInputReady, 0); err != nil || ready != 5 {
		t.Fatalf("expected 5 buffered bytes; got %d %v", ready, err)
	}

	buf := make([]byte, 4)
	n, err := term.Read(buf)
	if err != nil || n != 4 || string(buf) != "echo" {
		t.Fatalf("unexpected read: %d %q %v", n, buf, err)
	}

	if ready, _ := term.Ioctl(fs.IoctlInputReady, 0); ready != 1 {
		t.Fatalf("expected 1 byte left; got %d", ready)
	}
}

func TestTerminalScrollAtBottom(t *testing.T) {
	term, cons := newTestTerminal()

	for i := 0; i < 26; i++ {
		if _, err := term.Write([]byte("line\n")); err != nil {
			t.Fatal(err)
		}
	}
	if cons.scrolls == 0 {
		t.Fatal("expected the console to scroll once the bottom row is reached")
	}
}

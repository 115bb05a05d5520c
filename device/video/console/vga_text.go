package console

import (
	"io"
	"reflect"
	"unsafe"

	"immdos/device"
	"immdos/kernel"
	"immdos/kernel/cpu"
	"immdos/kernel/mm/vmm"
)

const (
	// vgaTextFbPhys is the physical address of the VGA mode-3 text
	// framebuffer.
	vgaTextFbPhys = uintptr(0xb8000)

	vgaMiscWritePort = uint16(0x3c2)
	vgaCrtcIndexPort = uint16(0x3d4)
	vgaCrtcDataPort  = uint16(0x3d5)
)

// VgaTextConsole implements an EGA-compatible 80x25 text console using VGA
// mode 0x3.
//
// Each character in the console framebuffer is represented using two bytes,
// a byte for the character ASCII code and a byte that encodes the foreground
// and background colors (4 bits for each).
//
// The default settings for the console are light gray text (color 7) on
// black background (color 0) with space as the clear character.
type VgaTextConsole struct {
	width  uint32
	height uint32

	fbPhysAddr uintptr
	fb         []uint16

	mode      uint8
	defaultFg uint8
	defaultBg uint8
	clearChar uint16
}

// NewVgaTextConsole creates a new vga text console for the standard 80x25
// text framebuffer.
func NewVgaTextConsole() *VgaTextConsole {
	return &VgaTextConsole{
		width:      80,
		height:     25,
		fbPhysAddr: vgaTextFbPhys,
		clearChar:  uint16(' '),
		mode:       0x03,
		defaultFg:  7,
		defaultBg:  0,
	}
}

// Dimensions returns the console width and height in characters.
func (cons *VgaTextConsole) Dimensions() (uint32, uint32) {
	return cons.width, cons.height
}

// DefaultColors returns the default foreground and background colors.
func (cons *VgaTextConsole) DefaultColors() (fg uint8, bg uint8) {
	return cons.defaultFg, cons.defaultBg
}

// Fill sets the contents of the specified rectangular region to the
// requested color.
func (cons *VgaTextConsole) Fill(x, y, width, height uint32, fg, bg uint8) {
	var (
		clr                  = (uint16(bg)<<4|uint16(fg))<<8 | cons.clearChar
		rowOffset, colOffset uint32
	)

	// clip rectangle
	if x >= cons.width {
		x = cons.width
	}
	if y >= cons.height {
		y = cons.height
	}
	if x+width > cons.width {
		width = cons.width - x
	}
	if y+height > cons.height {
		height = cons.height - y
	}

	rowOffset = (y * cons.width) + x
	for ; height > 0; height, rowOffset = height-1, rowOffset+cons.width {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			cons.fb[colOffset] = clr
		}
	}
}

// Scroll the console contents to the specified direction.
func (cons *VgaTextConsole) Scroll(dir ScrollDir, lines uint32) {
	if lines == 0 || lines > cons.height {
		return
	}

	var i uint32
	offset := lines * cons.width

	switch dir {
	case ScrollDirUp:
		for ; i < (cons.height-lines)*cons.width; i++ {
			cons.fb[i] = cons.fb[i+offset]
		}
	case ScrollDirDown:
		for i = cons.height*cons.width - 1; i >= offset; i-- {
			cons.fb[i] = cons.fb[i-offset]
		}
	}
}

// Write a char to the specified location.
func (cons *VgaTextConsole) Write(ch byte, fg, bg uint8, x, y uint32) {
	if x >= cons.width || y >= cons.height {
		return
	}
	cons.fb[(y*cons.width)+x] = (uint16(bg)<<4|uint16(fg))<<8 | uint16(ch)
}

// SetMode programs the adapter into one of the legacy BIOS video modes. Only
// the 80x25 text mode (0x03) and the 320x200x256 graphics mode (0x13) are
// understood; everything else is rejected.
func (cons *VgaTextConsole) SetMode(mode uint8) bool {
	switch mode {
	case 0x03:
		cpu.PortWriteByte(vgaMiscWritePort, 0x67)
	case 0x13:
		cpu.PortWriteByte(vgaMiscWritePort, 0x63)
	default:
		return false
	}
	cons.mode = mode
	return true
}

// SetCursor moves the hardware cursor via the CRT controller registers.
func (cons *VgaTextConsole) SetCursor(x, y uint32) {
	pos := y*cons.width + x
	cpu.PortWriteByte(vgaCrtcIndexPort, 0x0f)
	cpu.PortWriteByte(vgaCrtcDataPort, uint8(pos))
	cpu.PortWriteByte(vgaCrtcIndexPort, 0x0e)
	cpu.PortWriteByte(vgaCrtcDataPort, uint8(pos>>8))
}

// DriverName returns the name of this driver.
func (cons *VgaTextConsole) DriverName() string {
	return "vga_text_console"
}

// DriverVersion returns the version of this driver.
func (cons *VgaTextConsole) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit maps the text framebuffer into the kernel device window and
// clears the screen.
func (cons *VgaTextConsole) DriverInit(w io.Writer) *kernel.Error {
	fbVirtAddr, err := vmm.MapDeviceRegion(cons.fbPhysAddr, uintptr(cons.width*cons.height*2))
	if err != nil {
		return err
	}

	cons.fb = *(*[]uint16)(unsafe.Pointer(&reflect.SliceHeader{
		Len:  int(cons.width * cons.height),
		Cap:  int(cons.width * cons.height),
		Data: fbVirtAddr,
	}))

	cons.Fill(0, 0, cons.width, cons.height, cons.defaultFg, cons.defaultBg)
	return nil
}

// Probe checks for the presence of a VGA-compatible text adapter.
func Probe() device.Driver {
	// Standard PC hardware always carries one.
	return NewVgaTextConsole()
}

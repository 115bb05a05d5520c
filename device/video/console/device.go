package console

// ScrollDir defines a scroll direction.
type ScrollDir uint8

// The supported list of scroll directions for the console Scroll() calls.
const (
	ScrollDirUp ScrollDir = iota
	ScrollDirDown
)

// The Device interface is implemented by objects that can function as system
// consoles.
type Device interface {
	// Dimensions returns the console width and height in characters.
	Dimensions() (uint32, uint32)

	// DefaultColors returns the default foreground and background colors
	// used by this console.
	DefaultColors() (fg, bg uint8)

	// Fill sets the contents of the specified rectangular region to the
	// requested color.
	Fill(x, y, width, height uint32, fg, bg uint8)

	// Scroll the console contents to the specified direction.
	Scroll(dir ScrollDir, lines uint32)

	// Write a char to the specified location.
	Write(ch byte, fg, bg uint8, x, y uint32)

	// SetMode programs the adapter into the requested legacy video mode.
	SetMode(mode uint8) bool
}

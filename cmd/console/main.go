// Command console attaches a raw host terminal to the serial port exposed
// by an emulator (or a real serial cable) so the kernel's terminal can be
// driven from a development machine. Keystrokes go to the kernel byte by
// byte; everything the kernel prints comes back verbatim.
//
// Usage:
//
//	console /dev/pts/3
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	tty "github.com/mattn/go-tty"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("console: ")

	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: console <serial device>\n")
		os.Exit(2)
	}

	serial, err := os.OpenFile(os.Args[1], os.O_RDWR, 0)
	if err != nil {
		log.Fatal(err)
	}
	defer serial.Close()

	host, err := tty.Open()
	if err != nil {
		log.Fatal(err)
	}
	defer host.Close()
	restore := host.MustRaw()
	defer restore()

	// Serial to screen.
	go func() {
		if _, err := io.Copy(host.Output(), serial); err != nil {
			log.Fatal(err)
		}
	}()

	// Keystrokes to serial; Ctrl-] detaches.
	for {
		r, err := host.ReadRune()
		if err != nil {
			log.Fatal(err)
		}
		if r == 0x1d {
			return
		}
		if _, err = serial.Write([]byte(string(r))); err != nil {
			log.Fatal(err)
		}
	}
}

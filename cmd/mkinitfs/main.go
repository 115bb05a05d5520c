// Command mkinitfs builds the InitFS archive that the stage-2 bootloader
// loads next to the kernel image. The archive uses the CPIO "new ASCII"
// format the kernel-side reader expects.
//
// Usage:
//
//	mkinitfs -o initfs.cpio path/to/tree
//
// Every regular file and directory under the tree is added with its path
// relative to the tree root.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"

	"github.com/cavaliergopher/cpio"
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("mkinitfs: ")

	output := flag.String("o", "initfs.cpio", "output archive path")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: mkinitfs [-o archive] <tree>\n")
		os.Exit(2)
	}
	root := flag.Arg(0)

	out, err := os.Create(*output)
	if err != nil {
		log.Fatal(err)
	}
	defer out.Close()

	if err := writeArchive(out, root); err != nil {
		log.Fatal(err)
	}
}

func writeArchive(out io.Writer, root string) error {
	w := cpio.NewWriter(out)

	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return err
	}

	// Parent directories must precede their contents so the kernel's
	// single-pass reader sees a consistent tree.
	sort.Strings(paths)

	for _, path := range paths {
		info, err := os.Lstat(path)
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			continue
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		hdr, err := cpio.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err = w.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(w, f)
			f.Close()
			if err != nil {
				return err
			}
		}
	}

	return w.Close()
}

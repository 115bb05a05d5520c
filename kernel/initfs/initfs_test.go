package initfs

import (
	"fmt"
	"testing"

	"immdos/kernel/fs"
)

// buildArchive assembles a newc CPIO image from name/content pairs. A nil
// content marks a directory.
func buildArchive(entries []struct {
	name string
	data []byte
	dir  bool
}) []byte {
	var out []byte

	align := func() {
		for len(out)%4 != 0 {
			out = append(out, 0)
		}
	}

	add := func(name string, data []byte, mode uint32) {
		align()
		hdr := fmt.Sprintf("070701%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
			0, mode, 0, 0, 1, 0, len(data), 0, 0, 0, 0, len(name)+1, 0)
		out = append(out, hdr...)
		out = append(out, name...)
		out = append(out, 0)
		align()
		out = append(out, data...)
	}

	for _, e := range entries {
		mode := uint32(0o100644)
		if e.dir {
			mode = 0o40755
		}
		add(e.name, e.data, mode)
	}
	add("TRAILER!!!", nil, 0)
	return out
}

func testArchive() []byte {
	return buildArchive([]struct {
		name string
		data []byte
		dir  bool
	}{
		{name: "bin", dir: true},
		{name: "bin/echo.elf", data: []byte{0x7f, 'E', 'L', 'F'}},
		{name: "test.txt", data: []byte("the quick brown fox")},
		{name: "dosio.com", data: []byte{0xcd, 0x20}},
	})
}

func TestParseAndRead(t *testing.T) {
	ifs, err := New(testArchive())
	if err != nil {
		t.Fatal(err)
	}

	h, err := ifs.Open(`test.txt`)
	if err != nil {
		t.Fatal(err)
	}

	var status fs.FileStatus
	if err = ifs.Stat(h, &status); err != nil {
		t.Fatal(err)
	}
	if status.ByteSize != 19 {
		t.Fatalf("expected 19 bytes; got %d", status.ByteSize)
	}

	buf := make([]byte, 9)
	n, err := ifs.Read(h, buf)
	if err != nil || n != 9 || string(buf) != "the quick" {
		t.Fatalf("unexpected read result: %d %q %v", n, buf, err)
	}

	// Seek back and re-read.
	if _, err = ifs.Seek(h, 4); err != nil {
		t.Fatal(err)
	}
	n, _ = ifs.Read(h, buf[:5])
	if n != 5 || string(buf[:5]) != "quick" {
		t.Fatalf("unexpected post-seek read %q", buf[:5])
	}

	if err = ifs.Close(h); err != nil {
		t.Fatal(err)
	}
	if _, err = ifs.Read(h, buf); err != errBadHandle {
		t.Fatalf("expected a stale handle error; got %v", err)
	}
}

func TestNestedOpen(t *testing.T) {
	ifs, err := New(testArchive())
	if err != nil {
		t.Fatal(err)
	}

	if _, err = ifs.Open(`bin\echo.elf`); err != nil {
		t.Fatalf("expected the nested file to resolve; got %v", err)
	}
	if _, err = ifs.Open(`bin`); err != fs.ErrNoSuchFile {
		t.Fatalf("expected opening a directory as a file to fail; got %v", err)
	}
	if _, err = ifs.Open(`missing.txt`); err != fs.ErrNoSuchFile {
		t.Fatalf("expected a missing file error; got %v", err)
	}
}

func TestReadDirRoot(t *testing.T) {
	ifs, err := New(testArchive())
	if err != nil {
		t.Fatal(err)
	}

	h, err := ifs.OpenDir("")
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for {
		var entry fs.DirEntry
		more, err := ifs.ReadDir(h, &entry)
		if err != nil {
			t.Fatal(err)
		}
		if more == 0 {
			break
		}
		names = append(names, string(entry.Name[:])+"."+string(entry.Ext[:]))
	}

	// Root children: bin (dir), test.txt, dosio.com.
	if len(names) != 3 {
		t.Fatalf("expected 3 root entries; got %v", names)
	}
	if names[0] != "BIN     .   " {
		t.Fatalf("expected the space-padded directory name; got %q", names[0])
	}
	if names[1] != "TEST    .TXT" {
		t.Fatalf("expected the 8.3 file name; got %q", names[1])
	}
}

func TestWriteRejected(t *testing.T) {
	ifs, err := New(testArchive())
	if err != nil {
		t.Fatal(err)
	}
	if _, err = ifs.Write(0, []byte("x")); err != errReadOnly {
		t.Fatalf("expected the read-only error; got %v", err)
	}
}

func TestMalformedArchive(t *testing.T) {
	if _, err := New([]byte("not a cpio")); err != errBadArchive {
		t.Fatalf("expected a parse failure; got %v", err)
	}
	// Missing trailer.
	img := buildArchive(nil)
	if _, err := New(img[:len(img)-8]); err != errBadArchive {
		t.Fatalf("expected a truncated archive to fail; got %v", err)
	}
}

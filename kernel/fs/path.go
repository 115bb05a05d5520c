package fs

import "immdos/kernel"

var (
	errBadPath = &kernel.Error{Module: "fs", Message: "path is missing a drive prefix"}
)

// SplitPath splits a DRIVE:\path\to\file string into its drive name and the
// drive-relative path. Both \ and / act as separators; the returned path
// carries no leading or trailing separators.
func SplitPath(raw string) (drive, path string, err *kernel.Error) {
	colon := -1
	for i := 0; i < len(raw); i++ {
		if raw[i] == ':' {
			colon = i
			break
		}
	}
	if colon <= 0 {
		return "", "", errBadPath
	}

	for i := 0; i < colon; i++ {
		ch := raw[i]
		isLetter := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z')
		isDigit := ch >= '0' && ch <= '9'
		if !isLetter && !isDigit {
			return "", "", errBadPath
		}
	}

	return normalizeDrive(raw[:colon]), Normalize(raw[colon+1:]), nil
}

// Normalize strips leading/trailing separators and resolves "." and ".."
// components against the path itself.
func Normalize(raw string) string {
	var (
		out      []byte
		compLens []int
	)

	for start := 0; start < len(raw); {
		for start < len(raw) && isSep(raw[start]) {
			start++
		}
		end := start
		for end < len(raw) && !isSep(raw[end]) {
			end++
		}
		if end == start {
			break
		}

		comp := raw[start:end]
		switch comp {
		case ".":
		case "..":
			if n := len(compLens); n > 0 {
				drop := compLens[n-1]
				compLens = compLens[:n-1]
				out = out[:len(out)-drop]
				if len(out) > 0 {
					out = out[:len(out)-1]
				}
			}
		default:
			if len(out) > 0 {
				out = append(out, '\\')
			}
			out = append(out, comp...)
			compLens = append(compLens, len(comp))
		}
		start = end
	}

	return string(out)
}

// Resolve constructs a drive-relative path by applying a local path to a
// current-working-dir path. Absolute local paths (leading separator)
// ignore cwd.
func Resolve(cwd, local string) string {
	if len(local) > 0 && isSep(local[0]) {
		return Normalize(local)
	}
	if cwd == "" {
		return Normalize(local)
	}
	return Normalize(cwd + "\\" + local)
}

func isSep(ch byte) bool {
	return ch == '\\' || ch == '/'
}

func normalizeDrive(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if ch >= 'a' && ch <= 'z' {
			ch -= 'a' - 'A'
		}
		out[i] = ch
	}
	return string(out)
}

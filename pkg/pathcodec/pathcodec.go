// Package pathcodec converts between local filesystem paths and the
// portable names stored in a collection.
//
// A name is a sequence of components joined by a single "/". No
// component is empty, "." or "..", and none contains a path separator.
// Decoding validates every component again before joining it onto a
// destination root, so a hostile collection cannot address anything
// outside that root.
package pathcodec

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrInvalidPath is wrapped by every error returned from this package.
var ErrInvalidPath = errors.New("invalid path")

// Encode converts a relative (or, with mustBeRelative unset, absolute)
// local path into a collection name. Absolute paths encode with a single
// leading "/".
func Encode(path string, mustBeRelative bool) (string, error) {
	if vol := filepath.VolumeName(path); vol != "" {
		return "", fmt.Errorf("%w: volume prefix %q in %q", ErrInvalidPath, vol, path)
	}

	var b strings.Builder
	rooted := strings.HasPrefix(path, string(os.PathSeparator)) || strings.HasPrefix(path, "/")
	if rooted {
		if mustBeRelative {
			return "", fmt.Errorf("%w: %q is not relative", ErrInvalidPath, path)
		}
		b.WriteByte('/')
	}

	first := true
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == "" {
			continue
		}
		if err := checkComponent(part); err != nil {
			return "", fmt.Errorf("%w in %q", err, path)
		}
		if !first {
			b.WriteByte('/')
		}
		b.WriteString(part)
		first = false
	}

	if first {
		return "", fmt.Errorf("%w: %q has no components", ErrInvalidPath, path)
	}
	return b.String(), nil
}

// Decode validates a collection name and returns the local path it maps
// to under root.
func Decode(name, root string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalidPath)
	}

	parts := strings.Split(name, "/")
	joined := make([]string, 0, len(parts)+1)
	joined = append(joined, root)
	for _, part := range parts {
		if part == "" {
			return "", fmt.Errorf("%w: empty component in %q", ErrInvalidPath, name)
		}
		if err := checkComponent(part); err != nil {
			return "", fmt.Errorf("%w in %q", err, name)
		}
		if strings.ContainsRune(part, 0) {
			return "", fmt.Errorf("%w: NUL byte in %q", ErrInvalidPath, name)
		}
		if filepath.VolumeName(part) != "" {
			return "", fmt.Errorf("%w: volume prefix in %q", ErrInvalidPath, name)
		}
		joined = append(joined, part)
	}
	return filepath.Join(joined...), nil
}

func checkComponent(part string) error {
	switch {
	case part == "." || part == "..":
		return fmt.Errorf("%w: relative component %q", ErrInvalidPath, part)
	case strings.ContainsAny(part, `/\`):
		return fmt.Errorf("%w: separator in component %q", ErrInvalidPath, part)
	case !utf8.ValidString(part):
		return fmt.Errorf("%w: component is not valid UTF-8", ErrInvalidPath)
	}
	return nil
}

package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirTransport serves a local mirror of the regulator's directory tree.
type DirTransport struct{}

// List returns the entries of directory page. Directories get a trailing slash.
func (DirTransport) List(ctx context.Context, page string) ([]Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(page)
	if err != nil {
		return nil, fmt.Errorf("source: list %s: %w", page, err)
	}
	links := make([]Link, 0, len(entries))
	for _, e := range entries {
		href := filepath.Join(page, e.Name())
		name := e.Name()
		if e.IsDir() {
			href += string(filepath.Separator)
			name += "/"
		}
		links = append(links, Link{Name: name, Href: filepath.ToSlash(href)})
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Href < links[j].Href })
	return links, nil
}

// Fetch reads a file from the mirror.
func (DirTransport) Fetch(ctx context.Context, file string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("source: read %s: %w", file, err)
	}
	return data, nil
}

// IsRemote reports whether location should be served over HTTP.
func IsRemote(location string) bool {
	lower := strings.ToLower(location)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

package source

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"
)

// Member is one file extracted from an archive.
type Member struct {
	Name string
	Data []byte
}

// Extractor unpacks an archive into its members.
type Extractor interface {
	Extract(data []byte) ([]Member, error)
}

// ZipExtractor reads zip archives fully into memory.
type ZipExtractor struct {
	MaxMemberBytes int64
}

// Extract returns every regular file in the archive.
func (z ZipExtractor) Extract(data []byte) ([]Member, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("source: open zip: %w", err)
	}
	limit := z.MaxMemberBytes
	if limit <= 0 {
		limit = 1 << 30
	}
	members := make([]Member, 0, len(reader.File))
	for _, f := range reader.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(baseName(f.Name), "._") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("source: open member %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(io.LimitReader(rc, limit+1))
		_ = rc.Close()
		if err != nil {
			return nil, fmt.Errorf("source: read member %s: %w", f.Name, err)
		}
		if int64(len(content)) > limit {
			return nil, fmt.Errorf("%w: member %s", ErrTooLarge, f.Name)
		}
		members = append(members, Member{Name: f.Name, Data: content})
	}
	return members, nil
}

func baseName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		return name[i+1:]
	}
	return name
}

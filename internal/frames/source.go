package frames

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// Image is a loaded frame ready to send to the video API.
type Image struct {
	Key      string
	Data     []byte
	MIMEType string
}

// Source provides a job's ordered candidate frames.
type Source interface {
	List(ctx context.Context) ([]string, error)
	Load(ctx context.Context, key string) (*Image, error)
}

type SortOrder string

const (
	SortByName SortOrder = "name"
	SortByDate SortOrder = "date"
)

var imageTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// MIMEType returns the image MIME type for a frame key, or "" when the
// extension is not a supported image.
func MIMEType(key string) string {
	return imageTypes[strings.ToLower(filepath.Ext(key))]
}

// DirSource lists image files from a local directory. Keys are file names.
type DirSource struct {
	Dir    string
	SortBy SortOrder
}

func (s DirSource) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames directory %s: %w", s.Dir, err)
	}

	type file struct {
		name    string
		modTime int64
	}
	var files []file
	for _, e := range entries {
		if e.IsDir() || MIMEType(e.Name()) == "" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", e.Name(), err)
		}
		files = append(files, file{name: e.Name(), modTime: info.ModTime().UnixNano()})
	}

	sort.SliceStable(files, func(i, j int) bool {
		if s.SortBy == SortByDate && files[i].modTime != files[j].modTime {
			return files[i].modTime < files[j].modTime
		}
		return strings.ToLower(files[i].name) < strings.ToLower(files[j].name)
	})

	keys := make([]string, len(files))
	for i, f := range files {
		keys[i] = f.name
	}
	return keys, nil
}

func (s DirSource) Load(ctx context.Context, key string) (*Image, error) {
	if key != filepath.Base(key) {
		return nil, fmt.Errorf("invalid frame key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, key))
	if err != nil {
		return nil, fmt.Errorf("failed to read frame %s: %w", key, err)
	}
	return &Image{Key: key, Data: data, MIMEType: mimeOrDefault(key)}, nil
}

// Downloader fetches an object by path. storage.Storage satisfies it.
type Downloader interface {
	Download(ctx context.Context, path string) ([]byte, error)
}

// StorageSource serves frames from object storage. Keys are kept in the
// order the job was created with.
type StorageSource struct {
	Store  Downloader
	Prefix string
	Keys   []string
}

func (s StorageSource) List(ctx context.Context) ([]string, error) {
	out := make([]string, len(s.Keys))
	copy(out, s.Keys)
	return out, nil
}

func (s StorageSource) Load(ctx context.Context, key string) (*Image, error) {
	data, err := s.Store.Download(ctx, path.Join(s.Prefix, key))
	if err != nil {
		return nil, fmt.Errorf("failed to download frame %s: %w", key, err)
	}
	return &Image{Key: key, Data: data, MIMEType: mimeOrDefault(key)}, nil
}

func mimeOrDefault(key string) string {
	if m := MIMEType(key); m != "" {
		return m
	}
	return "image/png"
}

package hostfunc

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows writes to existing files.
	MountReadWrite
	// MountReadWriteCreate also allows creating files and directories.
	MountReadWriteCreate
)

// Mount maps a virtual path seen by scripts onto a host directory.
type Mount struct {
	VirtualPath string
	HostPath    string
	Mode        MountMode
}

// FS resolves script paths against its mounts. Paths that leave every
// mount are rejected.
type FS struct {
	mounts []Mount
}

func NewFS(mounts ...Mount) *FS {
	normalized := make([]Mount, 0, len(mounts))
	for _, m := range mounts {
		vp := "/" + strings.Trim(m.VirtualPath, "/")
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		normalized = append(normalized, Mount{VirtualPath: vp, HostPath: hp, Mode: m.Mode})
	}
	// longest virtual path first so nested mounts win
	for i := 1; i < len(normalized); i++ {
		for j := i; j > 0 && len(normalized[j].VirtualPath) > len(normalized[j-1].VirtualPath); j-- {
			normalized[j], normalized[j-1] = normalized[j-1], normalized[j]
		}
	}
	return &FS{mounts: normalized}
}

func (f *FS) findMount(vp string) *Mount {
	for i := range f.mounts {
		m := &f.mounts[i]
		if m.VirtualPath == "/" || vp == m.VirtualPath || strings.HasPrefix(vp, m.VirtualPath+"/") {
			return m
		}
	}
	return nil
}

// resolve maps a virtual path to a host path; create asks for permission to
// bring a new file into existence.
func (f *FS) resolve(name string, write, create bool) (string, error) {
	vp := filepath.ToSlash(filepath.Clean("/" + strings.TrimPrefix(name, "/")))

	m := f.findMount(vp)
	if m == nil {
		return "", errors.New("permission denied: path not in any mount")
	}
	if write && m.Mode == MountReadOnly {
		return "", errors.New("permission denied: read-only mount")
	}

	rel := strings.TrimPrefix(vp, m.VirtualPath)
	hostPath, err := filepath.Abs(filepath.Join(m.HostPath, rel))
	if err != nil {
		return "", errors.New("invalid path")
	}
	if hostPath != m.HostPath && !strings.HasPrefix(hostPath, m.HostPath+string(filepath.Separator)) {
		return "", errors.New("permission denied: path escape attempt")
	}

	if create && m.Mode != MountReadWriteCreate {
		if _, err := os.Stat(hostPath); os.IsNotExist(err) {
			return "", errors.New("permission denied: cannot create new files")
		}
	}
	return hostPath, nil
}

func (f *FS) Read(name string) (Buffer, error) {
	p, err := f.resolve(name, false, false)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// ReadRange reads up to length bytes starting at offset.
func (f *FS) ReadRange(name string, offset, length int64) (Buffer, error) {
	if offset < 0 || length < 0 {
		return nil, invalidArgs("file", "offset and length must not be negative")
	}
	p, err := f.resolve(name, false, false)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	data := make([]byte, length)
	n, err := file.ReadAt(data, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return data[:n], nil
}

func (f *FS) Write(name string, content []byte) error {
	p, err := f.resolve(name, true, true)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, content, 0o644)
}

// WriteRange overwrites bytes of an existing file starting at offset.
func (f *FS) WriteRange(name string, offset int64, content []byte) error {
	if offset < 0 {
		return invalidArgs("file", "offset must not be negative")
	}
	p, err := f.resolve(name, true, false)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(p, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := file.WriteAt(content, offset); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func (f *FS) Stat(name string) (*FileInfo, error) {
	p, err := f.resolve(name, false, false)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return nil, err
	}
	return &FileInfo{info: info}, nil
}

func (f *FS) List(name string) ([]string, error) {
	p, err := f.resolve(name, false, false)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (f *FS) Exists(name string) bool {
	p, err := f.resolve(name, false, false)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

func (f *FS) Mkdir(name string) error {
	p, err := f.resolve(name, true, false)
	if err != nil {
		return err
	}
	if m := f.findMount(filepath.ToSlash(filepath.Clean("/" + name))); m == nil || m.Mode != MountReadWriteCreate {
		return errors.New("permission denied: cannot create directories")
	}
	return os.MkdirAll(p, 0o755)
}

// Remove deletes a file or an empty directory.
func (f *FS) Remove(name string) error {
	p, err := f.resolve(name, true, false)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// FileInfo is the script view of a stat result.
type FileInfo struct {
	info fs.FileInfo
}

func (i *FileInfo) Name() string { return i.info.Name() }

func (i *FileInfo) Size() int64 { return i.info.Size() }

func (i *FileInfo) IsDir() bool { return i.info.IsDir() }

func (i *FileInfo) Mode() string { return i.info.Mode().String() }

func (i *FileInfo) ModTime() string { return i.info.ModTime().Format(time.RFC3339) }

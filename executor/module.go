package executor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// Loader resolves module names to source. Names are slash separated,
// relative to the loader root and end in ".js".
type Loader interface {
	Load(name string) (string, error)
}

// DirLoader loads modules from a directory. Lookups cannot leave it.
type DirLoader struct {
	root *os.Root
}

func NewDirLoader(dir string) (*DirLoader, error) {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open scripts dir: %w", err)
	}
	return &DirLoader{root: root}, nil
}

func (l *DirLoader) Load(name string) (string, error) {
	data, err := fs.ReadFile(l.root.FS(), name)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *DirLoader) Close() error {
	return l.root.Close()
}

// MapLoader serves modules from memory, keyed by module name.
type MapLoader map[string]string

func (m MapLoader) Load(name string) (string, error) {
	src, ok := m[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return src, nil
}

// ModuleName normalizes a script name: it is cleaned, made relative to the
// loader root and given a ".js" extension.
func ModuleName(name string) (string, error) {
	clean := strings.TrimPrefix(path.Clean("/"+name), "/")
	if clean == "" {
		return "", fmt.Errorf("invalid module name %q", name)
	}
	if !strings.HasSuffix(clean, ".js") {
		clean += ".js"
	}
	return clean, nil
}

// resolve returns the module a require call in dir refers to. Only
// "./" and "../" specifiers are relative; anything else is taken from
// the loader root.
func resolve(dir, spec string) (string, error) {
	if strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") {
		spec = path.Join(dir, spec)
	}
	return ModuleName(spec)
}

func wrapModule(src string) string {
	return "(function(exports, require, module, __filename, __dirname) {" + src + "\n})"
}

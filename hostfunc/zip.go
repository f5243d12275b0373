package hostfunc

import (
	"archive/zip"
	"bytes"
	"io"
	"slices"
)

// ZipClient is the script-facing zip capability.
type ZipClient struct{}

// Write packs name → content pairs into an archive. Entries are written
// in name order.
func (ZipClient) Write(data map[string]any) (Buffer, error) {
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	names := make([]string, 0, len(data))
	for k := range data {
		names = append(names, k)
	}
	slices.Sort(names)

	for _, name := range names {
		content, ok := ToBytes(data[name])
		if !ok {
			return nil, invalidArgs("zip", "content of %s must be string or bytes", name)
		}
		f, err := w.Create(name)
		if err != nil {
			return nil, err
		}
		if _, err := f.Write(content); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (ZipClient) Read(data []byte) (*ZipReader, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	return &ZipReader{r: r}, nil
}

type ZipReader struct {
	r *zip.Reader
}

func (z *ZipReader) GetFiles() []*ZipEntry {
	files := make([]*ZipEntry, 0, len(z.r.File))
	for _, f := range z.r.File {
		files = append(files, &ZipEntry{f: f})
	}
	return files
}

type ZipEntry struct {
	f *zip.File
}

func (e *ZipEntry) GetName() string { return e.f.Name }

func (e *ZipEntry) GetData() (Buffer, error) {
	rc, err := e.f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

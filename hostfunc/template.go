package hostfunc

import (
	"bytes"
	"io/fs"
	"path"
	"text/template"
)

// renderTemplate executes the named template file from fsys.
func renderTemplate(fsys fs.FS, name string, input map[string]any) (string, error) {
	if fsys == nil {
		return "", NewError(KindInvalidArguments, "template", "template directory not configured")
	}
	t, err := template.New(path.Base(name)).Option("missingkey=zero").ParseFS(fsys, name)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, input); err != nil {
		return "", err
	}
	return buf.String(), nil
}

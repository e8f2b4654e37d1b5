package main

import (
	"embed"
	"encoding/json"
	"html/template"
	"io/fs"
	"path"
	"strings"

	"github.com/casual-simulation/casualos-sub007/pkg/dispatch"
)

//go:embed views/*.html
var viewFiles embed.FS

const defaultView = "default"

var viewFuncs = template.FuncMap{
	"json": func(v any) (string, error) {
		b, err := json.MarshalIndent(v, "", "  ")
		return string(b), err
	},
}

// loadViews parses every embedded page. A page is used for the procedure
// that shares its base name; default.html renders the rest.
func loadViews() (*dispatch.TemplateRenderer, error) {
	names, err := fs.Glob(viewFiles, "views/*.html")
	if err != nil {
		return nil, err
	}
	r := &dispatch.TemplateRenderer{Templates: map[string]*template.Template{}}
	for _, name := range names {
		tmpl, err := template.New(path.Base(name)).Funcs(viewFuncs).ParseFS(viewFiles, name)
		if err != nil {
			return nil, err
		}
		proc := strings.TrimSuffix(path.Base(name), ".html")
		if proc == defaultView {
			r.Default = tmpl
			continue
		}
		r.Templates[proc] = tmpl
	}
	return r, nil
}

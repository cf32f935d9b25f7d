// Package manifest is the shipped unit loader: source units are YAML app
// manifests. Top-level keys become namespace cells, an import block pulls in
// other units, and an app entry compiles its routes into servable content.
// Templates and data files are read through the registry's tracked-file API,
// so editing one reloads exactly the units that render it.
//
// Example unit:
//
//	greeting: hello
//	import:
//	  shared: ./shared.unit
//	app:
//	  routes:
//	    - path: /
//	      template: ./index.html.tmpl
//	    - path: /healthz
//	      text: ok
//
// Templates render with the unit's own values plus each import alias bound
// to that unit's namespace.
package manifest

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ehlowr0ld/hmr/internal/registry"
)

// App is the compiled value of an app entry. Route bodies are fully rendered
// at load time; serving is a plain byte write.
type App struct {
	Routes []Route
}

// Route is one compiled route.
type Route struct {
	Path        string
	ContentType string
	Status      int
	Body        string
}

// rawRoute is the YAML shape of a route before compilation. Exactly one of
// Text, File, Template may be set.
type rawRoute struct {
	Path        string  `yaml:"path"`
	ContentType string  `yaml:"content_type"`
	Status      int     `yaml:"status"`
	Text        *string `yaml:"text"`
	File        string  `yaml:"file"`
	Template    string  `yaml:"template"`
}

type rawApp struct {
	Routes []rawRoute `yaml:"routes"`
}

// Load parses one YAML unit into its module namespace. It is the
// registry.LoadFunc the runner installs.
func Load(l *registry.Load) error {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(l.Source(), &doc); err != nil {
		return fmt.Errorf("parse %s: %w", l.Path(), err)
	}

	data := map[string]any{}

	if imp, ok := doc["import"]; ok {
		aliases := map[string]string{}
		if err := imp.Decode(&aliases); err != nil {
			return fmt.Errorf("%s: import block must map alias to path: %w", l.Path(), err)
		}
		for _, alias := range sortedKeys(aliases) {
			mod, err := l.Import(resolve(l.Path(), aliases[alias]))
			if err != nil {
				return fmt.Errorf("%s: import %s: %w", l.Path(), alias, err)
			}
			data[alias] = namespace(mod)
		}
	}

	// Scalars first, so app templates can reference every sibling value.
	var apps []string
	for _, name := range sortedKeys(doc) {
		if name == "import" {
			continue
		}
		node := doc[name]
		if isAppNode(node) {
			apps = append(apps, name)
			continue
		}
		var value any
		if err := node.Decode(&value); err != nil {
			return fmt.Errorf("%s: value %s: %w", l.Path(), name, err)
		}
		l.Set(name, value)
		data[name] = value
	}

	for _, name := range apps {
		var raw rawApp
		node := doc[name]
		if err := node.Decode(&raw); err != nil {
			return fmt.Errorf("%s: app %s: %w", l.Path(), name, err)
		}
		app, err := compileApp(l, raw, data)
		if err != nil {
			return fmt.Errorf("%s: app %s: %w", l.Path(), name, err)
		}
		l.Set(name, app)
	}
	return nil
}

// Handler imports the unit and compiles the selected app entry into an
// http.Handler. Called from inside the reload derivation, every unit and
// file it touches becomes a reload dependency.
func Handler(reg *registry.Registry, unitPath, attr string) (http.Handler, error) {
	mod, err := reg.Import(unitPath)
	if err != nil {
		return nil, err
	}
	v, err := mod.Get(attr)
	if err != nil {
		return nil, fmt.Errorf("attribute %q in %s: %w", attr, unitPath, err)
	}
	app, ok := v.(*App)
	if !ok {
		return nil, fmt.Errorf("attribute %q in %s is not an app entry", attr, unitPath)
	}

	mux := http.NewServeMux()
	for _, route := range app.Routes {
		route := route
		mux.HandleFunc(route.Path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", route.ContentType)
			w.WriteHeader(route.Status)
			_, _ = w.Write([]byte(route.Body))
		})
	}
	return mux, nil
}

func compileApp(l *registry.Load, raw rawApp, data map[string]any) (*App, error) {
	app := &App{}
	for i, r := range raw.Routes {
		if r.Path == "" {
			return nil, fmt.Errorf("route %d: path is required", i)
		}
		route := Route{
			Path:        r.Path,
			ContentType: r.ContentType,
			Status:      r.Status,
		}
		if route.Status == 0 {
			route.Status = http.StatusOK
		}

		set := 0
		for _, present := range []bool{r.Text != nil, r.File != "", r.Template != ""} {
			if present {
				set++
			}
		}
		if set != 1 {
			return nil, fmt.Errorf("route %s: exactly one of text, file, template is required", r.Path)
		}

		switch {
		case r.Text != nil:
			route.Body = *r.Text
			if route.ContentType == "" {
				route.ContentType = "text/plain; charset=utf-8"
			}
		case r.File != "":
			content, err := l.ReadFile(resolve(l.Path(), r.File))
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", r.Path, err)
			}
			route.Body = string(content)
			if route.ContentType == "" {
				route.ContentType = contentTypeFor(r.File)
			}
		case r.Template != "":
			content, err := l.ReadFile(resolve(l.Path(), r.Template))
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", r.Path, err)
			}
			tmpl, err := template.New(filepath.Base(r.Template)).Parse(string(content))
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", r.Path, err)
			}
			var buf bytes.Buffer
			if err := tmpl.Execute(&buf, data); err != nil {
				return nil, fmt.Errorf("route %s: %w", r.Path, err)
			}
			route.Body = buf.String()
			if route.ContentType == "" {
				route.ContentType = "text/html; charset=utf-8"
			}
		}
		app.Routes = append(app.Routes, route)
	}
	return app, nil
}

// isAppNode reports whether a top-level mapping carries a routes key, which
// marks it as an app entry rather than a plain value.
func isAppNode(node yaml.Node) bool {
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == "routes" {
			return true
		}
	}
	return false
}

// namespace materializes a module's current names for template data. The
// per-name reads make the importer depend on exactly the values it renders
// with.
func namespace(mod *registry.Module) map[string]any {
	ns := map[string]any{}
	for _, name := range mod.Names() {
		if v, err := mod.Get(name); err == nil {
			ns[name] = v
		}
	}
	return ns
}

func resolve(unitPath, ref string) string {
	if filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(filepath.Dir(unitPath), ref)
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".json":
		return "application/json"
	case ".css":
		return "text/css; charset=utf-8"
	case ".js":
		return "text/javascript; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

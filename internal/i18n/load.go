package i18n

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"

	logx "casewatch/pkg/logx"
)

//go:embed locales/*.json
var embedded embed.FS

// Config selects the bundle source.
type Config struct {
	// Dir holds <locale>.json / .yaml / .yml files. Optional; embedded bundles are
	// always loaded first and files in Dir replace keys they define.
	Dir     string
	Default string
	// Locales restricts which locales are loaded. Empty loads everything found.
	Locales []string
}

// Load reads the embedded bundles, overlays Dir, and builds a Resolver.
func Load(cfg Config, log logx.Logger) (*Resolver, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	def := strings.TrimSpace(cfg.Default)
	if def == "" {
		def = "en"
	}

	bundles := map[string]map[string]any{}
	if err := readBundles(embedded, "locales", bundles); err != nil {
		return nil, fmt.Errorf("i18n: embedded bundles: %w", err)
	}
	if dir := strings.TrimSpace(cfg.Dir); dir != "" {
		if err := readBundles(os.DirFS(dir), ".", bundles); err != nil {
			return nil, fmt.Errorf("i18n: %s: %w", dir, err)
		}
	}

	if len(cfg.Locales) > 0 {
		keep := map[string]struct{}{strings.ToLower(def): {}}
		for _, l := range cfg.Locales {
			keep[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
		}
		for loc := range bundles {
			if _, ok := keep[strings.ToLower(loc)]; !ok {
				delete(bundles, loc)
			}
		}
	}

	r, err := New(def, bundles, log)
	if err != nil {
		return nil, err
	}
	log.Info("locale bundles loaded", logx.String("default", r.Default()), logx.Any("locales", r.Supported()))
	return r, nil
}

func readBundles(fsys fs.FS, dir string, into map[string]map[string]any) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		b, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(dir, name)))
		if err != nil {
			return err
		}
		m, err := decodeBundle(ext, b)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		loc := strings.TrimSuffix(name, filepath.Ext(name))
		if prev, ok := into[loc]; ok {
			mergeInto(prev, m)
		} else {
			into[loc] = m
		}
	}
	return nil
}

func decodeBundle(ext string, b []byte) (map[string]any, error) {
	var v any
	if ext == ".json" {
		if err := json.Unmarshal(b, &v); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(b, &v); err != nil {
			return nil, err
		}
	}
	m, ok := normalize(v).(map[string]any)
	if !ok {
		return nil, fmt.Errorf("bundle root must be a mapping")
	}
	return m, nil
}

// normalize converts YAML maps to map[string]any so descend works uniformly.
func normalize(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalize(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalize(v)
		}
		return x
	default:
		return in
	}
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		sm, sok := v.(map[string]any)
		dm, dok := dst[k].(map[string]any)
		if sok && dok {
			mergeInto(dm, sm)
			continue
		}
		dst[k] = v
	}
}

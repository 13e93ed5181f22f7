// Package i18n resolves dotted text keys to localized, parameter-substituted strings.
//
// Bundles are nested string maps, one per locale, loaded once at startup and never
// mutated afterwards. Lookup falls back from the requested locale to its base
// language, then to the default locale, and finally to the key itself, so callers
// never render an empty string.
package i18n

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	logx "casewatch/pkg/logx"
)

// Separator splits hierarchical keys.
const Separator = "."

const warnThrottle = 10 * time.Minute

var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// MissingPlaceholderError reports a placeholder with no matching parameter.
// It is logged, never returned to callers of Resolve.
type MissingPlaceholderError struct {
	Key         string
	Locale      string
	Placeholder string
}

func (e *MissingPlaceholderError) Error() string {
	return fmt.Sprintf("i18n: %s[%s]: no value for placeholder {%s}", e.Key, e.Locale, e.Placeholder)
}

// Params holds placeholder values. Values are rendered with fmt.Sprint.
type Params map[string]any

type Resolver struct {
	def     string
	bundles map[string]map[string]any
	// lower-cased locale -> canonical locale name
	index map[string]string

	log    logx.Logger
	warned *gocache.Cache
}

// New builds a resolver over the given bundles. def must be one of them.
func New(def string, bundles map[string]map[string]any, log logx.Logger) (*Resolver, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Resolver{
		bundles: make(map[string]map[string]any, len(bundles)),
		index:   make(map[string]string, len(bundles)),
		log:     log,
		warned:  gocache.New(warnThrottle, 2*warnThrottle),
	}
	for loc, b := range bundles {
		loc = strings.TrimSpace(loc)
		if loc == "" {
			continue
		}
		r.bundles[loc] = b
		r.index[strings.ToLower(loc)] = loc
	}
	canon, ok := r.index[strings.ToLower(strings.TrimSpace(def))]
	if !ok {
		return nil, fmt.Errorf("i18n: default locale %q has no bundle", def)
	}
	r.def = canon
	return r, nil
}

func (r *Resolver) Default() string { return r.def }

// Supported lists loaded locales, sorted.
func (r *Resolver) Supported() []string {
	out := make([]string, 0, len(r.bundles))
	for loc := range r.bundles {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out
}

// Normalize maps a requested locale onto a loaded one: exact match (case-insensitive,
// "_" treated as "-"), then its base language, then any locale sharing that base.
// It returns the default locale when nothing matches.
func (r *Resolver) Normalize(locale string) string {
	if c := r.candidates(locale); len(c) > 0 {
		return c[0]
	}
	return r.def
}

func (r *Resolver) candidates(locale string) []string {
	want := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(locale), "_", "-"))
	if want == "" {
		return nil
	}
	out := make([]string, 0, 2)
	if c, ok := r.index[want]; ok {
		out = append(out, c)
	}
	base, _, _ := strings.Cut(want, "-")
	if base != want {
		if c, ok := r.index[base]; ok {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		// e.g. "zh" or "zh-TW" falling back to "zh-CN".
		keys := make([]string, 0, len(r.index))
		for k := range r.index {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if kb, _, _ := strings.Cut(k, "-"); kb == base {
				out = append(out, r.index[k])
				break
			}
		}
	}
	return out
}

// Lookup returns the raw template for key, following the locale fallback chain.
func (r *Resolver) Lookup(key, locale string) (text, usedLocale string, ok bool) {
	chain := append(r.candidates(locale), r.def)
	for _, loc := range chain {
		if s, found := descend(r.bundles[loc], key); found {
			return s, loc, true
		}
	}
	return "", "", false
}

// Resolve returns the localized string for key with params substituted.
// If the key is missing everywhere, the key itself is returned.
func (r *Resolver) Resolve(key, locale string, params Params) string {
	text, used, ok := r.Lookup(key, locale)
	if !ok {
		r.warnOnce("missing:"+key+"|"+locale, "i18n key missing", logx.String("key", key), logx.String("locale", locale))
		return key
	}
	return r.substitute(key, used, text, params)
}

func (r *Resolver) substitute(key, locale, text string, params Params) string {
	if !strings.Contains(text, "{") {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := params[name]; ok {
			return fmt.Sprint(v)
		}
		err := &MissingPlaceholderError{Key: key, Locale: locale, Placeholder: name}
		r.warnOnce("ph:"+key+"|"+locale+"|"+name, "i18n placeholder unresolved", logx.Err(err))
		return m
	})
}

func (r *Resolver) warnOnce(cacheKey, msg string, fields ...logx.Field) {
	if r.warned.Add(cacheKey, struct{}{}, gocache.DefaultExpiration) != nil {
		return
	}
	r.log.Warn(msg, fields...)
}

// Missing lists, per locale, the keys present in the reference locale but absent
// from that locale. It is a completeness check for tests and tooling; Resolve never
// depends on it.
func (r *Resolver) Missing(reference string) map[string][]string {
	ref, ok := r.bundles[r.Normalize(reference)]
	if !ok {
		return nil
	}
	keys := flattenKeys(ref, "")
	out := map[string][]string{}
	for loc, b := range r.bundles {
		for _, k := range keys {
			if _, found := descend(b, k); !found {
				out[loc] = append(out[loc], k)
			}
		}
	}
	for loc := range out {
		sort.Strings(out[loc])
	}
	return out
}

// descend walks a nested map by dotted key. Only non-empty string leaves count.
func descend(m map[string]any, key string) (string, bool) {
	if m == nil || key == "" {
		return "", false
	}
	var cur any = m
	for _, part := range strings.Split(key, Separator) {
		node, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = node[part]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func flattenKeys(m map[string]any, prefix string) []string {
	var out []string
	for k, v := range m {
		full := k
		if prefix != "" {
			full = prefix + Separator + k
		}
		switch x := v.(type) {
		case map[string]any:
			out = append(out, flattenKeys(x, full)...)
		case string:
			out = append(out, full)
		}
	}
	sort.Strings(out)
	return out
}

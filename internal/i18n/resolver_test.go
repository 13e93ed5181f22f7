package i18n

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "casewatch/pkg/logx"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := New("en", map[string]map[string]any{
		"en": {
			"a": map[string]any{"b": map[string]any{"c": "X"}},
			"greet": "Hello {name}, you are {age}",
			"only_en": "EN",
			"empty": "",
		},
		"fr": {
			"greet": "Bonjour {name}",
		},
		"zh-CN": {
			"greet": "你好 {name}",
		},
	}, logx.Nop())
	require.NoError(t, err)
	return r
}

func TestResolveFallbackChain(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t)

	tests := []struct {
		name   string
		key    string
		locale string
		params Params
		want   string
	}{
		{"default locale fills gap", "a.b.c", "fr", Params{}, "X"},
		{"missing everywhere returns key", "a.b.d", "fr", Params{}, "a.b.d"},
		{"exact locale", "greet", "fr", Params{"name": "Eva"}, "Bonjour Eva"},
		{"base language", "greet", "fr-CA", Params{"name": "Eva"}, "Bonjour Eva"},
		{"sibling region", "greet", "zh-TW", Params{"name": "李"}, "你好 李"},
		{"underscore locale", "greet", "zh_cn", Params{"name": "李"}, "你好 李"},
		{"unknown locale uses default", "only_en", "de", nil, "EN"},
		{"empty locale uses default", "only_en", "", nil, "EN"},
		{"intermediate node is not a string", "a.b", "en", nil, "a.b"},
		{"empty string counts as missing", "empty", "en", nil, "empty"},
		{"missing placeholder left as is", "greet", "en", Params{"name": "Jan"}, "Hello Jan, you are {age}"},
		{"non-string params", "greet", "en", Params{"name": "Jan", "age": 42}, "Hello Jan, you are 42"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, r.Resolve(tt.key, tt.locale, tt.params))
		})
	}
}

func TestNewRejectsUnknownDefault(t *testing.T) {
	t.Parallel()
	_, err := New("de", map[string]map[string]any{"en": {}}, logx.Nop())
	require.Error(t, err)
}

func TestMissingPlaceholderError(t *testing.T) {
	t.Parallel()
	err := &MissingPlaceholderError{Key: "k", Locale: "en", Placeholder: "name"}
	assert.Contains(t, err.Error(), "{name}")
}

func TestEmbeddedBundlesAreComplete(t *testing.T) {
	t.Parallel()

	r, err := Load(Config{Default: "en"}, logx.Nop())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cs", "en", "zh-CN"}, r.Supported())
	assert.Empty(t, r.Missing("en"), "every locale must define every key of the default bundle")

	for _, status := range []string{"approved", "pending", "unknown", "ready_for_pickup"} {
		assert.NotEqual(t, "status."+status, r.Resolve("status."+status, "cs", nil), status)
	}
}

func TestLoadOverlaysDirectory(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en.yaml"), []byte("status:\n  approved: Granted\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fr.json"), []byte(`{"status":{"approved":"Approuvé"}}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	r, err := Load(Config{Dir: dir, Default: "en"}, logx.Nop())
	require.NoError(t, err)

	assert.Equal(t, "Granted", r.Resolve("status.approved", "en", nil))
	assert.Equal(t, "Rejected", r.Resolve("status.rejected", "en", nil), "overlay must merge, not replace")
	assert.Equal(t, "Approuvé", r.Resolve("status.approved", "fr", nil))
	assert.Equal(t, "Rejected", r.Resolve("status.rejected", "fr", nil))

	limited, err := Load(Config{Dir: dir, Default: "en", Locales: []string{"cs"}}, logx.Nop())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cs", "en"}, limited.Supported())
}

// Package locale serves localized bot texts.
//
// Texts are read from a snapshot swapped atomically on Reload, so lookups
// never lock. Reloads triggered concurrently share one store round trip.
package locale

import (
	"context"
	_ "embed"
	"sort"
	"strings"
	"sync/atomic"

	"go.yaml.in/yaml/v3"
	"golang.org/x/sync/singleflight"

	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Source provides operator overrides.
type Source interface {
	ListTexts(ctx context.Context) ([]storage.Text, error)
	ListLanguages(ctx context.Context) ([]storage.Language, error)
}

type snapshot struct {
	texts     map[string]map[string]string // lang -> key -> text
	languages []storage.Language
	supported map[string]bool
}

type Cache struct {
	src       Source
	defLang   string
	fallbacks []string
	defaults  map[string]map[string]string
	log       logx.Logger

	cur atomic.Pointer[snapshot]
	sf  singleflight.Group
}

// New builds a cache holding the built-in texts. Call Reload to merge store
// overrides.
func New(src Source, defaultLang string, supported []string, log logx.Logger) (*Cache, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	defaultLang = normalize(defaultLang)
	if defaultLang == "" {
		defaultLang = "en"
	}
	defs := map[string]map[string]string{}
	if err := yaml.Unmarshal(defaultsYAML, &defs); err != nil {
		return nil, err
	}
	c := &Cache{
		src:       src,
		defLang:   defaultLang,
		fallbacks: supported,
		defaults:  defs,
		log:       log.With(logx.String("comp", "locale")),
	}
	c.cur.Store(c.build(nil, nil))
	return c, nil
}

func (c *Cache) build(texts []storage.Text, langs []storage.Language) *snapshot {
	snap := &snapshot{texts: map[string]map[string]string{}, supported: map[string]bool{c.defLang: true}}
	put := func(lang, key, text string) {
		m := snap.texts[lang]
		if m == nil {
			m = map[string]string{}
			snap.texts[lang] = m
		}
		m[key] = text
	}
	for lang, m := range c.defaults {
		for k, v := range m {
			put(lang, k, v)
		}
	}
	for _, t := range texts {
		if strings.TrimSpace(t.Text) != "" {
			put(normalize(t.Language), t.Key, t.Text)
		}
	}

	active := make([]storage.Language, 0, len(langs))
	for _, l := range langs {
		if l.Active {
			active = append(active, l)
		}
	}
	if len(active) == 0 {
		for i, code := range c.fallbacks {
			if code = normalize(code); code != "" {
				active = append(active, storage.Language{Code: code, Name: code, Active: true, Default: code == c.defLang, SortOrder: i})
			}
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].SortOrder < active[j].SortOrder })
	for _, l := range active {
		snap.supported[normalize(l.Code)] = true
	}
	snap.languages = active
	return snap
}

// Reload replaces the snapshot with built-in texts merged with the store's
// overrides. On error the previous snapshot stays in place.
func (c *Cache) Reload(ctx context.Context) error {
	_, err, shared := c.sf.Do("reload", func() (any, error) {
		texts, err := c.src.ListTexts(ctx)
		if err != nil {
			return nil, err
		}
		langs, err := c.src.ListLanguages(ctx)
		if err != nil {
			return nil, err
		}
		c.cur.Store(c.build(texts, langs))
		c.log.Info("texts reloaded", logx.Int("overrides", len(texts)), logx.Int("languages", len(langs)))
		return nil, nil
	})
	if err != nil {
		c.log.Warn("texts reload failed", logx.Bool("shared", shared), logx.Err(err))
	}
	return err
}

func (c *Cache) DefaultLanguage() string { return c.defLang }

func (c *Cache) Languages() []storage.Language {
	return append([]storage.Language(nil), c.cur.Load().languages...)
}

func (c *Cache) Supported(lang string) bool { return c.cur.Load().supported[normalize(lang)] }

// Resolve maps a client language code such as "pt-BR" to a supported
// language, or the default language.
func (c *Cache) Resolve(code string) string {
	if l := normalize(code); c.Supported(l) {
		return l
	}
	return c.defLang
}

// Text returns the text for key in lang, then in the default language, then
// key itself. "{name}" style placeholders are replaced from args.
func (c *Cache) Text(lang, key string, args map[string]string) string {
	snap := c.cur.Load()
	text, ok := snap.texts[normalize(lang)][key]
	if !ok {
		if text, ok = snap.texts[c.defLang][key]; !ok {
			text = key
		}
	}
	if len(args) == 0 {
		return text
	}
	pairs := make([]string, 0, 2*len(args))
	for k, v := range args {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

func normalize(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	return code
}

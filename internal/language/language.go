// Package language provides best-effort language identification and localized
// crisis resource text.
package language

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"

	"github.com/BTreeMap/Empathibot/internal/models"
)

// supported lists the language codes replies may be tagged with, in matcher
// preference order. The first entry is the fallback.
var supported = []struct {
	code string
	name string
	tag  language.Tag
}{
	{"en", "English", language.English},
	{"es", "Spanish", language.Spanish},
	{"fr", "French", language.French},
	{"de", "German", language.German},
	{"it", "Italian", language.Italian},
	{"pt", "Portuguese", language.Portuguese},
	{"zh-cn", "Chinese", language.MustParse("zh-CN")},
	{"ja", "Japanese", language.Japanese},
	{"ar", "Arabic", language.Arabic},
	{"hi", "Hindi", language.Hindi},
}

var crisisResources = map[string]string{
	"en": "National Suicide Prevention Lifeline: 988 | Crisis Text Line: Text HOME to 741741",
	"es": "Línea Nacional de Prevención del Suicidio: 988 | Línea de Crisis por Texto: Envía HOLA al 741741",
	"fr": "Ligne Nationale de Prévention du Suicide: 988 | Ligne de Crise par SMS: Envoyez MAISON au 741741",
	"de": "Nationale Suizidpräventions-Hotline: 988 | Krisen-SMS-Leitung: Senden Sie HOME an 741741",
	"pt": "Linha Nacional de Prevenção ao Suicídio: 988 | Linha de Crise por Texto: Envie CASA para 741741",
}

// CrisisResources returns hotline text in the given language, falling back to English.
func CrisisResources(code string) string {
	if r, ok := crisisResources[code]; ok {
		return r
	}
	return crisisResources[models.DefaultLanguage]
}

// SupportedLanguages returns a code to display-name map of supported languages.
func SupportedLanguages() map[string]string {
	out := make(map[string]string, len(supported))
	for _, s := range supported {
		out[s.code] = s.name
	}
	return out
}

// IdentifyFunc returns an ISO 639-1 code for text, or an error when no language
// can be identified.
type IdentifyFunc func(text string) (string, error)

// Opts holds configuration options for the Detector.
type Opts struct {
	Identify IdentifyFunc
}

// Option defines a configuration option for the Detector.
type Option func(*Opts)

// WithIdentifyFunc replaces the statistical identifier.
func WithIdentifyFunc(f IdentifyFunc) Option {
	return func(o *Opts) { o.Identify = f }
}

// Detector identifies the language of a message and narrows it to the
// supported set.
type Detector struct {
	identify IdentifyFunc
	matcher  language.Matcher
}

// NewDetector creates a Detector backed by whatlanggo unless overridden.
func NewDetector(opts ...Option) *Detector {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Identify == nil {
		cfg.Identify = identifyWhatlang
	}
	tags := make([]language.Tag, len(supported))
	for i, s := range supported {
		tags[i] = s.tag
	}
	return &Detector{identify: cfg.Identify, matcher: language.NewMatcher(tags)}
}

// Detect returns a supported language code for text. Any identification
// failure, or a language outside the supported set, yields "en".
func (d *Detector) Detect(text string) string {
	code, err := d.safeIdentify(text)
	if err != nil {
		slog.Debug("Detector.Detect: falling back to default language", "error", err)
		return models.DefaultLanguage
	}
	tag, err := language.Parse(code)
	if err != nil {
		slog.Debug("Detector.Detect: unparseable language code", "code", code, "error", err)
		return models.DefaultLanguage
	}
	_, idx, conf := d.matcher.Match(tag)
	if conf < language.High {
		slog.Debug("Detector.Detect: unsupported language", "code", code)
		return models.DefaultLanguage
	}
	return supported[idx].code
}

func (d *Detector) safeIdentify(text string) (code string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", models.ErrLanguageDetection, r)
		}
	}()
	return d.identify(text)
}

func identifyWhatlang(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty text", models.ErrLanguageDetection)
	}
	info := whatlanggo.Detect(text)
	if info.Lang < 0 {
		return "", fmt.Errorf("%w: no language identified", models.ErrLanguageDetection)
	}
	code := info.Lang.Iso6391()
	if code == "" {
		return "", fmt.Errorf("%w: %s has no ISO 639-1 code", models.ErrLanguageDetection, info.Lang.String())
	}
	return code, nil
}

package cw

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ExchangePatterns holds every regex/template family the QSO state machine
// matches incoming text against and renders outgoing text from, keyed by
// mode (s0) or scenario name (s2, s5, tx).
type ExchangePatterns struct {
	S0 map[string][]string // CQ-call recognition, keyed by mode: SIMPLE, POTA, SOTA
	S2 map[string][]string // signal-report recognition scenarios
	S5 map[string][]string // sign-off recognition scenarios
	TX map[string]string   // outgoing message templates
}

// DefaultExchangePatterns returns the built-in pattern set.
func DefaultExchangePatterns() ExchangePatterns {
	return ExchangePatterns{
		S0: map[string][]string{
			"SIMPLE": {
				`^.*(?:CQ)+.*DE.*(?:{MY_CALL})+.*K.*$`,
				`^.*(?:CQ)+.*(?:{MY_CALL})+.*K.*$`,
			},
			"POTA": {`^.*(?:CQ)+.*POTA.*DE.*(?:{MY_CALL})+.*K.*$`},
			"SOTA": {`^.*(?:CQ)+.*SOTA.*DE.*(?:{MY_CALL})+.*K.*$`},
		},
		S2: map[string][]string{
			"report_require_call":            {`^.*{OTHER_CALL}.*(?:[1-5][1-9N][9N]).*(?:[1-5][1-9N][9N]).*$`},
			"report_require_call_allow_599":  {`^.*{OTHER_CALL}.*(?:[1-5][1-9N][9N]).*(?:[1-5][1-9N][9N]).*$`},
			"report_no_call":                 {`^.*(?:[1-5][1-9N][9N]).*(?:[1-5][1-9N][9N]).*$`},
			"report_no_call_allow_599":        {`^.*(?:[1-5][1-9N][9N]).*(?:[1-5][1-9N][9N]).*$`},
			"p2p_ack":                        {`^{OTHER_CALL}$`},
		},
		S5: map[string][]string{
			"with_prosign":                    {`^.*{PROSIGN}.*73.*EE.*$`},
			"with_prosign_allow_tu":           {`^.*{PROSIGN}.*TU.*73.*EE.*$`},
			"without_prosign":                 {`^.*73.*EE.*$`},
			"without_prosign_allow_tu":        {`^.*TU.*73.*EE.*$`},
			"p2p_with_prosign":                {`^.*{PROSIGN}.*{OTHER_CALL_REAL}.*{MY_CALL}.*MY.*REF.*{MY_PARK_REF}.*{MY_PARK_REF}.*$`},
			"p2p_with_prosign_allow_tu":       {`^.*{PROSIGN}.*{OTHER_CALL_REAL}.*{MY_CALL}.*MY.*REF.*{MY_PARK_REF}.*{MY_PARK_REF}.*TU.*73.*{PROSIGN}.*$`},
			"p2p_without_prosign":             {`^.*{OTHER_CALL_REAL}.*{MY_CALL}.*MY.*REF.*{MY_PARK_REF}.*{MY_PARK_REF}.*$`},
			"p2p_without_prosign_allow_tu":    {`^.*{OTHER_CALL_REAL}.*{MY_CALL}.*MY.*REF.*{MY_PARK_REF}.*{MY_PARK_REF}.*TU.*73.*$`},
		},
		TX: map[string]string{
			"caller_call":           "{CALL} {CALL}",
			"repeat_selected_call":  "{OTHER_CALL} {OTHER_CALL}",
			"ack_rr":                "RR",
			"report_reply":          "{TX_PROSIGN} UR 5NN 5NN TU 73 {TX_PROSIGN}",
			"qso_complete":          "EE",
			"p2p_repeat_call":       "{OTHER_CALL_REAL} {OTHER_CALL_REAL}",
			"p2p_repeat_ref":        "{PARK_REF} {PARK_REF}",
			"p2p_station_reply_without_tu": "{TX_PROSIGN} {OTHER_CALL_REAL} {OTHER_CALL_REAL} MY REF {PARK_REF} {PARK_REF} 73 {TX_PROSIGN}",
			"p2p_station_reply_with_tu":    "{TX_PROSIGN} {OTHER_CALL_REAL} {OTHER_CALL_REAL} MY REF {PARK_REF} {PARK_REF} TU 73 {TX_PROSIGN}",
		},
	}
}

// patternFile mirrors the on-disk YAML shape, optionally nested under a
// top-level "patterns:" key.
type patternFile struct {
	Patterns        *patternSections `yaml:"patterns"`
	patternSections `yaml:",inline"`
}

type patternSections struct {
	S0 map[string]yaml.Node `yaml:"s0"`
	S2 map[string]yaml.Node `yaml:"s2"`
	S5 map[string]yaml.Node `yaml:"s5"`
	TX map[string]string    `yaml:"tx"`
}

// LoadExchangePatterns loads pattern overrides from a YAML file and merges
// them over the defaults, key by key. An empty path returns the defaults
// with an empty warning. A missing or malformed file also falls back to the
// defaults, and the returned warning string is then non-empty; cmd/cwtrainer
// emits it as an EventConfigPatternsInvalid event.
func LoadExchangePatterns(path string) (ExchangePatterns, string) {
	defaults := DefaultExchangePatterns()
	path = strings.TrimSpace(path)
	if path == "" {
		return defaults, ""
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return defaults, fmt.Sprintf("pattern file not found: %s, using built-in defaults", path)
	}

	var file patternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return defaults, fmt.Sprintf("pattern file could not be read: %s (%v), using built-in defaults", path, err)
	}

	sections := file.patternSections
	if file.Patterns != nil {
		sections = *file.Patterns
	}

	merged := ExchangePatterns{
		S0: mergePatternSection(defaults.S0, sections.S0, true),
		S2: mergePatternSection(defaults.S2, sections.S2, false),
		S5: mergePatternSection(defaults.S5, sections.S5, false),
		TX: mergeTemplateSection(defaults.TX, sections.TX),
	}
	return merged, ""
}

func mergePatternSection(defaults map[string][]string, updates map[string]yaml.Node, uppercaseKeys bool) map[string][]string {
	merged := make(map[string][]string, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for rawKey, node := range updates {
		key := strings.TrimSpace(rawKey)
		if uppercaseKeys {
			key = strings.ToUpper(key)
		}
		if key == "" {
			continue
		}
		patterns := patternsFromNode(node)
		if len(patterns) > 0 {
			merged[key] = patterns
		}
	}
	return merged
}

func patternsFromNode(node yaml.Node) []string {
	var single string
	if err := node.Decode(&single); err == nil {
		single = strings.TrimSpace(single)
		if single == "" {
			return nil
		}
		return []string{single}
	}
	var list []string
	if err := node.Decode(&list); err == nil {
		var out []string
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func mergeTemplateSection(defaults, updates map[string]string) map[string]string {
	merged := make(map[string]string, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for rawKey, rawValue := range updates {
		key := strings.TrimSpace(rawKey)
		value := strings.TrimSpace(rawValue)
		if key == "" || value == "" {
			continue
		}
		merged[key] = value
	}
	return merged
}

// compiledPatternCache avoids recompiling the same placeholder-substituted
// regex on every message; the state machine calls through renderAndCompile
// for every candidate pattern on every incoming message.
type compiledPatternCache struct {
	cache map[string]*regexp.Regexp
}

func newCompiledPatternCache() *compiledPatternCache {
	return &compiledPatternCache{cache: make(map[string]*regexp.Regexp)}
}

// compile substitutes placeholders into pattern using vars, then compiles
// and caches the result keyed on the substituted text.
func (c *compiledPatternCache) compile(pattern string, vars map[string]string) (*regexp.Regexp, error) {
	resolved := renderTemplate(pattern, vars)
	if re, ok := c.cache[resolved]; ok {
		return re, nil
	}
	re, err := regexp.Compile(resolved)
	if err != nil {
		return nil, err
	}
	c.cache[resolved] = re
	return re, nil
}

// renderTemplate substitutes every {KEY} placeholder in tmpl with vars[KEY],
// leaving unresolved placeholders untouched for the caller to notice.
func renderTemplate(tmpl string, vars map[string]string) string {
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// unresolvedPlaceholder reports the first remaining {PLACEHOLDER}, if any,
// so callers can emit EventConfigTemplateMissing instead of transmitting
// literal braces.
func unresolvedPlaceholder(rendered string) (string, bool) {
	start := strings.Index(rendered, "{")
	if start < 0 {
		return "", false
	}
	end := strings.Index(rendered[start:], "}")
	if end < 0 {
		return "", false
	}
	return rendered[start : start+end+1], true
}

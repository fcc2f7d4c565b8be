// Package normalizer turns raw classified ads into typed observations.
//
// Resolution never fails: anything that cannot be resolved deterministically
// is left nil and downstream code treats nil as "unknown".
package normalizer

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"velomarket/server/config"
	"velomarket/server/internal/models"
)

const (
	MinYear = 2010
	MaxYear = 2026
)

var letterSizes = map[string]bool{
	"XXL": true,
	"XL":  true,
	"XS":  true,
	"S":   true,
	"M":   true,
	"L":   true,
}

var noiseWords = map[string]bool{
	"mtb": true, "fully": true, "hardtail": true, "mountainbike": true, "fahrrad": true,
	"bike": true, "rahmen": true, "frame": true, "zoll": true, "carbon": true, "alu": true,
	"neu": true, "top": true, "gebraucht": true, "verkaufe": true, "ebike": true, "e-bike": true,
	"emtb": true, "e-mtb": true, "damen": true, "herren": true, "size": true, "größe": true,
	"groesse": true, "inch": true, "new": true, "used": true,
}

type categoryRule struct {
	category string
	keywords []string
}

// Checked in order; the first rule with a matching keyword wins.
var categoryRules = []categoryRule{
	{category: "emtb", keywords: []string{"e-mtb", "emtb", "e-bike", "ebike", "pedelec"}},
	{category: "gravel", keywords: []string{"gravel", "cyclocross"}},
	{category: "road", keywords: []string{"rennrad", "road", "racer"}},
	{category: "mtb", keywords: []string{"mountainbike", "downhill", "freeride", "hardtail", "enduro", "fully", "trail", "mtb"}},
}

type brandMatcher struct {
	name    string
	aliases []string
	models  []string
}

// Normalizer resolves brand, model, year, frame size and category.
type Normalizer struct {
	brands        []brandMatcher
	yearPattern   *regexp.Regexp
	phrasePattern *regexp.Regexp
	inchPattern   *regexp.Regexp
	inchPhrase    *regexp.Regexp
	now           func() time.Time
}

// New creates a normalizer for the given brand catalog. Aliases and model
// names are sorted longest-first once, here.
func New(brands []config.Brand) *Normalizer {
	matchers := make([]brandMatcher, 0, len(brands))
	for _, b := range brands {
		m := brandMatcher{name: b.Name}
		for _, a := range b.Aliases {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				m.aliases = append(m.aliases, a)
			}
		}
		m.models = append(m.models, b.Models...)
		sortLongestFirst(m.aliases)
		sortLongestFirst(m.models)
		matchers = append(matchers, m)
	}

	return &Normalizer{
		brands:        matchers,
		yearPattern:   regexp.MustCompile(`\b(20[1-2][0-9])\b`),
		phrasePattern: regexp.MustCompile(`(?i)(?:size|rahmengr(?:ö|oe|o)(?:ß|ss)e|rahmen|gr(?:ö|oe|o)(?:ß|ss)e)\s*[:=]?\s*(XXL|XL|XS|S|M|L)(?:[^\w-]|$)`),
		inchPattern:   regexp.MustCompile(`(?i)(?:^|[^\d.,])(1[5-9]|2[0-3])(?:[.,]5)?\s*(?:zoll|inch|"|''|″)`),
		inchPhrase:    regexp.MustCompile(`(?i)(?:size|rahmenhöhe|rahmen|gr(?:ö|oe|o)(?:ß|ss)e)\s*[:=]?\s*(1[5-9]|2[0-3])(?:[.,]5)?(?:[^\d.,]|$)`),
		now:           time.Now,
	}
}

// Normalize converts a raw ad into an unsaved observation.
func (n *Normalizer) Normalize(ad models.RawAd) models.Observation {
	obs := models.Observation{
		Platform:  ad.Platform,
		SourceURL: strings.TrimSpace(ad.SourceURL),
		Title:     strings.TrimSpace(ad.Title),
		Price:     ad.Price.Round(2),
		ScrapedAt: ad.ScrapedAt,
	}
	if obs.Platform == "" {
		obs.Platform = models.PlatformUnknown
	}
	if id := strings.TrimSpace(ad.SourceAdID); id != "" {
		obs.SourceAdID = &id
	}
	if obs.ScrapedAt.IsZero() {
		obs.ScrapedAt = n.now().UTC()
	}
	if ad.QualityScore != nil && *ad.QualityScore >= 0 && *ad.QualityScore <= 100 {
		q := *ad.QualityScore
		obs.QualityScore = &q
	}

	brand, known := n.resolveBrandField(ad.Brand, obs.Title)
	obs.Brand = brand
	if brand != nil {
		obs.Model = n.resolveModelField(*brand, known, ad.Model, obs.Title)
	}

	obs.Year = resolveYear(ad.Year, obs.Title, n.yearPattern)
	obs.FrameSize = n.resolveFrameSizeField(ad.FrameSize, obs.Title, ad.Attributes)
	obs.Category = resolveCategoryField(ad.Category, obs.Title+" "+ad.Description)
	obs.Payload = buildPayload(ad)

	return obs
}

// ResolveBrand returns the canonical brand for a title. For each brand in
// catalog order its aliases are tried longest-first; the first brand with a
// matching alias wins.
func (n *Normalizer) ResolveBrand(title string) (string, bool) {
	lower := strings.ToLower(title)
	for _, b := range n.brands {
		for _, alias := range b.aliases {
			if containsWord(lower, alias) {
				return b.name, true
			}
		}
	}
	return "", false
}

func (n *Normalizer) resolveBrandField(structured, title string) (*string, bool) {
	if s := strings.TrimSpace(structured); s != "" {
		if name, ok := n.ResolveBrand(s); ok {
			return &name, true
		}
		return &s, false
	}
	if name, ok := n.ResolveBrand(title); ok {
		return &name, true
	}
	return nil, false
}

// ResolveYear extracts a model year in [MinYear, MaxYear] from the title.
func (n *Normalizer) ResolveYear(title string) *int {
	return resolveYear(nil, title, n.yearPattern)
}

// resolveYear prefers a structured year and falls back to the first 20xx
// token in the title. Out-of-range values yield nil; nothing is guessed.
func resolveYear(structured *int, title string, pattern *regexp.Regexp) *int {
	if structured != nil {
		if *structured >= MinYear && *structured <= MaxYear {
			y := *structured
			return &y
		}
		return nil
	}
	match := pattern.FindStringSubmatch(title)
	if match == nil {
		return nil
	}
	year, err := strconv.Atoi(match[1])
	if err != nil || year < MinYear || year > MaxYear {
		return nil
	}
	return &year
}

// ResolveModel finds the model for an already resolved brand.
func (n *Normalizer) ResolveModel(brand, title string) *string {
	return n.resolveModelField(brand, true, "", title)
}

func (n *Normalizer) resolveModelField(brand string, known bool, structured, title string) *string {
	var matcher *brandMatcher
	if known {
		for i := range n.brands {
			if n.brands[i].name == brand {
				matcher = &n.brands[i]
				break
			}
		}
	}

	if s := strings.TrimSpace(structured); s != "" {
		if matcher != nil {
			if m, ok := matchModel(matcher.models, s); ok {
				return &m
			}
		}
		return &s
	}

	if matcher != nil {
		if m, ok := matchModel(matcher.models, title); ok {
			return &m
		}
	}
	return firstSignificantWord(title, brand, matcher)
}

func matchModel(models []string, text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, m := range models {
		if containsWord(lower, strings.ToLower(m)) {
			return m, true
		}
	}
	return "", false
}

func firstSignificantWord(title, brand string, matcher *brandMatcher) *string {
	lower := strings.ToLower(title)
	removals := []string{strings.ToLower(brand)}
	if matcher != nil {
		removals = append(removals, matcher.aliases...)
	}
	sortLongestFirst(removals)
	for _, r := range removals {
		lower = replaceWord(lower, r, " ")
	}

	for _, token := range tokenize(lower) {
		if utf8.RuneCountInString(token) <= 2 || noiseWords[token] || letterSizes[strings.ToUpper(token)] {
			continue
		}
		if isNumeric(token) || strings.ContainsAny(token, "€$") {
			continue
		}
		word := capitalize(token)
		return &word
	}
	return nil
}

// ResolveFrameSize resolves a frame size from a title alone.
func (n *Normalizer) ResolveFrameSize(title string) *string {
	return n.resolveFrameSizeField("", title, nil)
}

func (n *Normalizer) resolveFrameSizeField(structured, title string, attributes map[string]string) *string {
	if s := strings.ToUpper(strings.TrimSpace(structured)); s != "" {
		if letterSizes[s] {
			return &s
		}
		if inches, err := strconv.Atoi(s); err == nil {
			if size, ok := SizeForInches(inches); ok {
				return &size
			}
		}
	}

	// Isolated letter tokens. Hyphenated words such as "S-Works" stay intact.
	for _, token := range tokenize(title) {
		upper := strings.ToUpper(token)
		if letterSizes[upper] {
			return &upper
		}
	}

	if match := n.phrasePattern.FindStringSubmatch(title); match != nil {
		size := strings.ToUpper(match[1])
		return &size
	}

	if size := n.sizeFromAttributes(attributes); size != nil {
		return size
	}

	for _, pattern := range []*regexp.Regexp{n.inchPattern, n.inchPhrase} {
		if match := pattern.FindStringSubmatch(title); match != nil {
			inches, _ := strconv.Atoi(match[1])
			if size, ok := SizeForInches(inches); ok {
				return &size
			}
		}
	}
	return nil
}

func (n *Normalizer) sizeFromAttributes(attributes map[string]string) *string {
	if len(attributes) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attributes))
	for k := range attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		lk := strings.ToLower(k)
		if !strings.Contains(lk, "größe") && !strings.Contains(lk, "groesse") && !strings.Contains(lk, "size") && !strings.Contains(lk, "rahmen") {
			continue
		}
		value := strings.TrimSpace(attributes[k])
		for _, token := range tokenize(value) {
			upper := strings.ToUpper(token)
			if letterSizes[upper] {
				return &upper
			}
		}
		for _, token := range tokenize(value) {
			if inches, err := strconv.Atoi(token); err == nil {
				if size, ok := SizeForInches(inches); ok {
					return &size
				}
			}
		}
	}
	return nil
}

// SizeForInches maps a frame size in inches to a letter band.
func SizeForInches(inches int) (string, bool) {
	switch {
	case inches < 15 || inches > 23:
		return "", false
	case inches <= 16:
		return "S", true
	case inches <= 18:
		return "M", true
	case inches <= 20:
		return "L", true
	default:
		return "XL", true
	}
}

func resolveCategoryField(structured, text string) *string {
	if s := strings.ToLower(strings.TrimSpace(structured)); s != "" {
		return &s
	}
	lower := strings.ToLower(text)
	for _, rule := range categoryRules {
		for _, kw := range rule.keywords {
			if containsWord(lower, kw) {
				c := rule.category
				return &c
			}
		}
	}
	return nil
}

func buildPayload(ad models.RawAd) string {
	if ad.Description == "" && len(ad.Attributes) == 0 {
		return ""
	}
	payload := struct {
		Description string            `json:"description,omitempty"`
		Attributes  map[string]string `json:"attributes,omitempty"`
	}{
		Description: strings.TrimSpace(ad.Description),
		Attributes:  ad.Attributes,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}

// containsWord reports whether needle occurs in haystack with no letter or
// digit directly before or after it.
func containsWord(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	offset := 0
	for {
		idx := strings.Index(haystack[offset:], needle)
		if idx < 0 {
			return false
		}
		start := offset + idx
		end := start + len(needle)
		if isBoundary(haystack, start, end) {
			return true
		}
		_, width := utf8.DecodeRuneInString(haystack[start:])
		offset = start + width
	}
}

func replaceWord(haystack, needle, with string) string {
	var b strings.Builder
	offset := 0
	for {
		idx := strings.Index(haystack[offset:], needle)
		if idx < 0 {
			b.WriteString(haystack[offset:])
			return b.String()
		}
		start := offset + idx
		end := start + len(needle)
		if isBoundary(haystack, start, end) {
			b.WriteString(haystack[offset:start])
			b.WriteString(with)
			offset = end
			continue
		}
		_, width := utf8.DecodeRuneInString(haystack[start:])
		b.WriteString(haystack[offset : start+width])
		offset = start + width
	}
}

func isBoundary(s string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(s) {
		r, _ := utf8.DecodeRuneInString(s[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// tokenize splits on whitespace, slashes and commas and trims surrounding
// punctuation. Hyphens inside a token are preserved.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '/' || r == ',' || r == '|' || r == ';'
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".:!?()[]{}\"'*+")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' && r != ',' {
			return false
		}
	}
	return true
}

func capitalize(s string) string {
	r, width := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[width:]
}

func sortLongestFirst(items []string) {
	sort.SliceStable(items, func(i, j int) bool {
		return utf8.RuneCountInString(items[i]) > utf8.RuneCountInString(items[j])
	})
}

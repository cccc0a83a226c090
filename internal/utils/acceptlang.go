package utils

import (
	"sort"
	"strconv"
	"strings"
)

// DetermineLocale picks the locale for a request. An explicit query value
// wins, then the best Accept-Language entry by q-value, then def. Regional
// tags fall back to their base language (it-CH -> it).
func DetermineLocale(queryLang, acceptLang string, supported []string, def string) string {
	sup := make(map[string]bool, len(supported))
	for _, s := range supported {
		sup[strings.ToLower(s)] = true
	}
	pick := func(tag string) (string, bool) {
		l := strings.ToLower(strings.TrimSpace(tag))
		if l == "" {
			return "", false
		}
		if sup[l] {
			return l, true
		}
		if i := strings.IndexAny(l, "-_"); i > 0 && sup[l[:i]] {
			return l[:i], true
		}
		return "", false
	}

	if v, ok := pick(queryLang); ok {
		return v
	}

	type candidate struct {
		lang string
		q    float64
	}
	var cands []candidate
	for _, part := range strings.Split(acceptLang, ",") {
		tag, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		q := 1.0
		if k, v, ok := strings.Cut(strings.TrimSpace(params), "="); ok && strings.TrimSpace(k) == "q" {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				continue
			}
			q = parsed
		}
		if q <= 0 {
			continue
		}
		if l, ok := pick(tag); ok {
			cands = append(cands, candidate{lang: l, q: q})
		}
	}
	if len(cands) > 0 {
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].q > cands[j].q })
		return cands[0].lang
	}
	if v, ok := pick(def); ok {
		return v
	}
	if len(supported) > 0 {
		return strings.ToLower(supported[0])
	}
	return DefaultLocale
}

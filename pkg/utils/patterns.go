package utils

import "regexp"

// CompilePatterns compiles the regexes of a config list, skipping blank entries.
// The error names the offending entry by its 1-based position.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, WrapErrorf(ErrConfigValidation, "invalid regex pattern #%d ('%s'): %v", i+1, p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// FirstMatch returns the first pattern matching s, or nil
func FirstMatch(patterns []*regexp.Regexp, s string) *regexp.Regexp {
	for _, re := range patterns {
		if re.MatchString(s) {
			return re
		}
	}
	return nil
}

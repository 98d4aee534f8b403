package realm

import (
	"fmt"
	"strings"
)

// ClaimParser is an immutable descriptor that extracts a typed value from a
// ClaimsSet given a claim name (or dotted path) plus an ordered list of
// fallback names to probe when the primary name is absent from the token.
//
// Construction resolves which candidate names are tried, in order: the
// explicitly configured name first, then the fallbacks. If neither is
// configured and the claim is required, construction fails.
type ClaimParser struct {
	settingName string
	candidates  []string
	required    bool
}

// NewClaimParser builds a ClaimParser for setting settingName (used only
// for error messages). configuredName is the operator-supplied claim name
// (may be empty). fallbackNames are tried, in order, when configuredName is
// empty or the configured claim is absent from a given token.
func NewClaimParser(settingName, configuredName string, fallbackNames []string, required bool) (*ClaimParser, error) {
	candidates := make([]string, 0, 1+len(fallbackNames))
	if configuredName != "" {
		candidates = append(candidates, configuredName)
	}
	candidates = append(candidates, fallbackNames...)

	if len(candidates) == 0 {
		if required {
			return nil, fmt.Errorf("%w: %s requires a claim name or fallback", ErrConfiguration, settingName)
		}
	}

	return &ClaimParser{settingName: settingName, candidates: candidates, required: required}, nil
}

// Required reports whether this parser's claim must resolve to a value.
func (p *ClaimParser) Required() bool { return p.required }

// GetClaimValue returns the single string value of the claim, or ("", nil)
// if absent. A single-element string list collapses to its sole element. A
// multi-element list is a claim-shape error. Numbers and booleans are never
// coerced to strings.
func (p *ClaimParser) GetClaimValue(claims ClaimsSet) (string, error) {
	raw, ok := p.lookup(claims)
	if !ok {
		return "", nil
	}

	switch v := raw.(type) {
	case string:
		return v, nil
	case []any:
		strs, err := toStringSlice(v)
		if err != nil {
			return "", fmt.Errorf("%w: claim %q: %w", ErrClaimShape, p.settingName, err)
		}
		if len(strs) == 1 {
			return strs[0], nil
		}
		if len(strs) == 0 {
			return "", nil
		}
		return "", fmt.Errorf("%w: claim %q has %d values, expected exactly one", ErrClaimShape, p.settingName, len(strs))
	default:
		return "", nil
	}
}

// GetClaimValues returns the claim as a string slice. A scalar string is
// lifted to a one-element slice. A non-string element in a list is a
// claim-shape error. An absent claim returns an empty, non-nil slice.
func (p *ClaimParser) GetClaimValues(claims ClaimsSet) ([]string, error) {
	raw, ok := p.lookup(claims)
	if !ok {
		return []string{}, nil
	}

	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []any:
		strs, err := toStringSlice(v)
		if err != nil {
			return nil, fmt.Errorf("%w: claim %q: %w", ErrClaimShape, p.settingName, err)
		}
		return strs, nil
	default:
		return []string{}, nil
	}
}

// lookup tries each candidate name, in order, against claims. A dotted path
// ("realm_access.roles") traverses nested maps.
func (p *ClaimParser) lookup(claims ClaimsSet) (any, bool) {
	for _, name := range p.candidates {
		if v, ok := lookupPath(claims, name); ok {
			return v, true
		}
	}
	return nil, false
}

func lookupPath(claims ClaimsSet, path string) (any, bool) {
	if v, ok := claims[path]; ok {
		// Exact match wins even if the name itself contains dots.
		return v, true
	}

	segments := strings.Split(path, ".")
	if len(segments) == 1 {
		return nil, false
	}

	var cursor any = map[string]any(claims)
	for _, seg := range segments {
		m, ok := cursor.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cursor = v
	}
	return cursor, true
}

func toStringSlice(values []any) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("non-string element %v (%T)", v, v)
		}
		out = append(out, s)
	}
	return out, nil
}

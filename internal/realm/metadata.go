package realm

const metadataTokenTypeKey = "jwt_token_type"
const metadataClaimPrefix = "jwt_claim_"

// BuildMetadata filters claims into an immutable user-metadata mapping.
// The result always carries jwt_token_type. When populate
// is true, every claim whose value passes the type filter (string, bool,
// number, or a slice whose every element is one of those scalars) is also
// copied under jwt_claim_<name>. Nested maps, nulls, and slices holding any
// non-scalar element are dropped silently.
func BuildMetadata(claims ClaimsSet, tokenType string, populate bool) map[string]any {
	metadata := map[string]any{metadataTokenTypeKey: tokenType}

	if !populate {
		return metadata
	}

	for name, value := range claims {
		if !isMetadataEligible(value) {
			continue
		}
		metadata[metadataClaimPrefix+name] = value
	}

	return metadata
}

func isMetadataEligible(value any) bool {
	if isScalar(value) {
		return true
	}

	values, ok := value.([]any)
	if !ok {
		return false
	}
	for _, v := range values {
		if !isScalar(v) {
			return false
		}
	}
	return true
}

func isScalar(value any) bool {
	switch value.(type) {
	case string, bool, float64, float32, int, int64:
		return true
	default:
		return false
	}
}

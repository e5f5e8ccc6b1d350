// Package masking scrubs secret material from run events before they are
// persisted or broadcast. Three passes layer up: literal values registered
// at dispatch time, structural maskers that parse payload text, and
// token-shape regexes.
package masking

// Masker is a structural masker: it parses payload text and masks with
// context a regex cannot express (Kubernetes Secret data but not ConfigMap
// data, for example).
type Masker interface {
	// Name identifies the masker in logs.
	Name() string

	// AppliesTo is a fast pre-check; string containment, not parsing.
	AppliesTo(data string) bool

	// Mask applies the masking logic. Defensive: the original data comes
	// back untouched on any parse error.
	Mask(data string) string
}

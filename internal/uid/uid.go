// Package uid generates DICOM unique identifiers.
//
// New identifiers descend from the organizational root of an existing one: the
// dotted components that precede its last component. The appended suffix is the
// decimal form of a random UUID, trimmed to keep the result within 64 characters.
package uid

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

const (
	// MaxLength is the maximum length of a DICOM UID.
	MaxLength = 64

	// minSuffixDigits keeps roughly 66 bits of entropy in every suffix.
	minSuffixDigits = 20

	// uuidRoot is the registered root for UUID-derived UIDs (PS3.5 B.2).
	uuidRoot = "2.25"
)

// ErrInvalidIdentifierFormat is returned when a string is not a syntactically valid UID.
var ErrInvalidIdentifierFormat = errors.New("invalid identifier format")

// Validate checks that s is a syntactically valid DICOM UID.
func Validate(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalidIdentifierFormat)
	}
	if len(s) > MaxLength {
		return fmt.Errorf("%w: %q is %d characters, max is %d", ErrInvalidIdentifierFormat, s, len(s), MaxLength)
	}
	for i, comp := range strings.Split(s, ".") {
		if comp == "" {
			return fmt.Errorf("%w: %q has an empty component at position %d", ErrInvalidIdentifierFormat, s, i)
		}
		for _, r := range comp {
			if r < '0' || r > '9' {
				return fmt.Errorf("%w: %q contains %q", ErrInvalidIdentifierFormat, s, r)
			}
		}
		if len(comp) > 1 && comp[0] == '0' {
			return fmt.Errorf("%w: component %q of %q has a leading zero", ErrInvalidIdentifierFormat, comp, s)
		}
	}
	return nil
}

// OrgRoot returns the organizational root of existing, shortened when needed so
// that a suffix of at least minSuffixDigits still fits.
func OrgRoot(existing string) (string, error) {
	existing = strings.TrimRight(existing, "\x00 ")
	if err := Validate(existing); err != nil {
		return "", err
	}
	comps := strings.Split(existing, ".")
	if len(comps) < 2 {
		return "", fmt.Errorf("%w: %q has no organizational root", ErrInvalidIdentifierFormat, existing)
	}

	root := comps[:len(comps)-1]
	keep := min(2, len(root))
	for len(root) > keep && len(strings.Join(root, "."))+1+minSuffixDigits > MaxLength {
		root = root[:len(root)-1]
	}

	joined := strings.Join(root, ".")
	if len(joined)+1+minSuffixDigits > MaxLength {
		return "", fmt.Errorf("%w: root %q leaves no room for a suffix", ErrInvalidIdentifierFormat, joined)
	}
	return joined, nil
}

// Generate returns a new UID under the organizational root of existing.
// The result never equals existing.
func Generate(existing string) (string, error) {
	root, err := OrgRoot(existing)
	if err != nil {
		return "", err
	}
	for {
		generated := withSuffix(root)
		if generated != existing {
			return generated, nil
		}
	}
}

// New returns a fresh UUID-derived UID under the 2.25 root.
func New() string {
	return withSuffix(uuidRoot)
}

func withSuffix(root string) string {
	avail := MaxLength - len(root) - 1
	for {
		suffix := uuidDecimal()
		if suffix == "0" {
			continue
		}
		if len(suffix) > avail {
			suffix = suffix[:avail]
		}
		return root + "." + suffix
	}
}

func uuidDecimal() string {
	u := uuid.New()
	return new(big.Int).SetBytes(u[:]).String()
}

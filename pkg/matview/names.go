package matview

import (
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/malbeclabs/matview/pkg/postgres"
)

const (
	suffixAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	suffixLength   = 8
	// "_" + suffix
	tempOverhead = 1 + suffixLength
)

// CanonicalName is the name applications query for a tenant's model view.
func CanonicalName(tenant, table string) (string, error) {
	if err := postgres.ValidateTenantCode(tenant); err != nil {
		return "", err
	}
	if err := postgres.ValidateIdentifier(table); err != nil {
		return "", err
	}
	name := tenant + "_m_" + table
	// Leave room for the temp suffix so every derived name fits.
	if len(name)+tempOverhead > postgres.MaxIdentifierLength {
		return "", fmt.Errorf("%w: view name %q leaves no room for a temporary suffix", postgres.ErrNameTooLong, name)
	}
	return name, nil
}

// TempName derives a collision-resistant sibling of base for in-flight
// builds and retired views. The suffix is not a security boundary.
func TempName(base string) string {
	var b strings.Builder
	b.Grow(len(base) + tempOverhead)
	b.WriteString(base)
	b.WriteByte('_')
	for range suffixLength {
		b.WriteByte(suffixAlphabet[rand.IntN(len(suffixAlphabet))])
	}
	return b.String()
}

// IsDerivedName reports whether name looks like a temp or retired sibling
// of canonical.
func IsDerivedName(canonical, name string) bool {
	if len(name) != len(canonical)+tempOverhead || !strings.HasPrefix(name, canonical+"_") {
		return false
	}
	for _, r := range name[len(canonical)+1:] {
		if !strings.ContainsRune(suffixAlphabet, r) {
			return false
		}
	}
	return true
}

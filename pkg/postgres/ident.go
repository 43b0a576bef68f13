package postgres

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
)

// MaxIdentifierLength is PostgreSQL's NAMEDATALEN-1; longer names are
// silently truncated by the server.
const MaxIdentifierLength = 63

var (
	ErrInvalidIdentifier = errors.New("invalid identifier")
	ErrInvalidTenantCode = errors.New("invalid tenant code")
	ErrNameTooLong       = errors.New("identifier exceeds maximum length")
)

var (
	identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	tenantCodeRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	relationRe   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ValidateIdentifier accepts column and table names made of letters, digits
// and underscores, not starting with a digit.
func ValidateIdentifier(name string) error {
	if !identifierRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}
	return nil
}

// ValidateTenantCode accepts letters, digits, underscores and hyphens.
func ValidateTenantCode(code string) error {
	if !tenantCodeRe.MatchString(code) {
		return fmt.Errorf("%w: %q", ErrInvalidTenantCode, code)
	}
	return nil
}

// ValidateRelationName checks a generated relation name (view or index).
// Hyphens are allowed since tenant codes are embedded; such names are always
// quoted.
func ValidateRelationName(name string) error {
	if !relationRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	if len(name) > MaxIdentifierLength {
		return fmt.Errorf("%w: %q (%d > %d)", ErrNameTooLong, name, len(name), MaxIdentifierLength)
	}
	return nil
}

func QuoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// QuoteLiteral escapes a value for statements that do not accept bind
// parameters, such as DDL.
func QuoteLiteral(value string) string {
	return pq.QuoteLiteral(value)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// EscapeLike escapes LIKE wildcards so the value matches literally.
func EscapeLike(s string) string {
	return likeEscaper.Replace(s)
}

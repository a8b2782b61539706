// Package safesql validates and quotes SQL identifiers that originate from
// untrusted input (peer sync payloads, dynamic column lists). Every
// dynamically constructed statement in the core must route its table and
// column names through this package; values are always bound as parameters.
package safesql

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/neutronlabs/neutron/internal/types"
)

var (
	// identRegex is the source of truth for table/column names built into SQL.
	identRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

	// columnRegex is the stricter form applied to column names drawn from
	// peer-supplied operation data.
	columnRegex = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

// ValidIdent returns an error unless name is a safe SQL identifier.
func ValidIdent(name string) error {
	if name == "" {
		return fmt.Errorf("empty identifier: %w", types.ErrInvalidIdentifier)
	}
	if !identRegex.MatchString(name) {
		return fmt.Errorf("identifier %q: %w", name, types.ErrInvalidIdentifier)
	}
	return nil
}

// ValidColumn returns an error unless name is acceptable as a column name
// taken from untrusted operation data.
func ValidColumn(name string) error {
	if name == "" || !columnRegex.MatchString(name) {
		return fmt.Errorf("column %q: %w", name, types.ErrInvalidIdentifier)
	}
	return nil
}

// Quote returns name as a double-quoted SQL identifier with embedded double
// quotes doubled. Quote does not validate; callers validate first.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

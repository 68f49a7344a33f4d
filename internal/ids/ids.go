// Package ids generates and validates the opaque, type-prefixed
// identifiers used throughout the orchestration core.
package ids

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Kind is a short entity-type prefix, e.g. "wf" for workflows.
type Kind string

const (
	Workflow        Kind = "wf"
	Task            Kind = "tk"
	Checkpoint      Kind = "cp"
	Workspace       Kind = "ws"
	Agent           Kind = "ag"
	Session         Kind = "ss"
	Message         Kind = "msg"
	Template        Kind = "tmpl"
	Repository      Kind = "rp"
)

const base36Len = 12

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

var idPattern = regexp.MustCompile(`^(wf|tk|cp|ws|ag|ss|msg|tmpl|rp)_[0-9a-z]{12}$`)

// New generates a fresh ID of the given kind: "<kind>_" followed by 12
// lowercase base-36 characters drawn from a random 128-bit source.
func New(kind Kind) string {
	raw := uuid.New()
	n := new(big.Int).SetBytes(raw[:])
	base := big.NewInt(int64(len(alphabet)))
	var sb strings.Builder
	sb.Grow(base36Len)
	mod := new(big.Int)
	for i := 0; i < base36Len; i++ {
		n.DivMod(n, base, mod)
		sb.WriteByte(alphabet[mod.Int64()])
	}
	return fmt.Sprintf("%s_%s", kind, sb.String())
}

// Valid reports whether s matches the global ID regex from spec §6.
func Valid(s string) bool {
	return idPattern.MatchString(s)
}

// KindOf returns the type prefix of a well-formed ID and true, or ("",
// false) if s is not a valid ID.
func KindOf(s string) (Kind, bool) {
	m := idPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return Kind(m[1]), true
}

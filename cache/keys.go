package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Key preimage layout: every component is written as "<len>:<bytes>", the
// template first and then each parameter's canonical text, with these
// separators in between. The length prefixes make the encoding injective:
// a value containing a separator byte cannot shift a component boundary.
const (
	recordSep = "\x1e"
	unitSep   = "\x1f"
)

// DeriveKey reduces a query template and its bound parameters to a
// deterministic cache key: the hex SHA-256 of the length-prefixed template
// followed by each parameter's length-prefixed canonical text. Identical
// inputs always produce identical keys; any change to the template text, a
// parameter value, a parameter type, or parameter order produces a
// different key, including values that embed the separator bytes or a type
// tag of the canonical form. DeriveKey is pure and safe for concurrent use.
func DeriveKey(queryTemplate string, params []Param) (string, error) {
	h := sha256.New()
	writeComponent(h, queryTemplate)
	h.Write([]byte(recordSep))
	for i, p := range params {
		if i > 0 {
			h.Write([]byte(unitSep))
		}
		text, err := p.canonical(i)
		if err != nil {
			return "", err
		}
		writeComponent(h, text)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func writeComponent(w io.Writer, text string) {
	w.Write([]byte(strconv.Itoa(len(text))))
	w.Write([]byte{':'})
	w.Write([]byte(text))
}

// templateFingerprint is a short stable identifier for a query template,
// used in logs and spans where the full SQL text would be noise.
func templateFingerprint(queryTemplate string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(queryTemplate))
}

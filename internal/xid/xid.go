package xid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// New returns prefix-<uuidv7>. Version 7 ids carry a millisecond timestamp
// and a per-process monotonic counter ahead of the random bits, so ids minted
// in the same millisecond still sort and never collide.
func New(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return fmt.Sprintf("%s-%s", prefix, id.String())
}

// Valid reports whether id looks like something New(prefix) produced.
func Valid(prefix, id string) bool {
	rest, ok := strings.CutPrefix(id, prefix+"-")
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

package compiler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/badgerbroch/wave/constraints"
	"github.com/badgerbroch/wave/kernel"
	"github.com/badgerbroch/wave/types/symbolic"
	"golang.org/x/exp/maps"
)

// Version of the compilation pipeline. Bump it whenever the lowering output
// or the artifact format changes incompatibly; persisted cache entries from
// other versions are ignored.
const Version = 1

// Fingerprint returns the cache key of one compilation: a hex digest over
// the kernel program, the constraint set, the compile-time bindings and the
// target backend. The encoding is canonical, so structurally identical
// inputs always produce the same key.
func Fingerprint(kp *kernel.Program, cs []constraints.Constraint, bindings symbolic.Bindings, backend string) string {
	h := sha256.New()
	fmt.Fprintf(h, "wave/v%d\nbackend %s\n", Version, backend)
	writeProgram(h, kp)
	writeConstraints(h, cs)
	writeBindings(h, bindings)
	return hex.EncodeToString(h.Sum(nil))
}

func writeProgram(w io.Writer, kp *kernel.Program) {
	fmt.Fprintf(w, "kernel %s\n", kp.Name())
	for _, mem := range kp.Memories() {
		fmt.Fprintf(w, "mem %s %s %s arg=%t\n", mem.Name, mem.Shape, mem.Space, mem.Argument)
	}
	for _, op := range kp.Ops() {
		fmt.Fprintf(w, "op %s\n", op)
	}
}

func writeConstraints(w io.Writer, cs []constraints.Constraint) {
	// The constraint set is order-insensitive.
	lines := make([]string, len(cs))
	for i, c := range cs {
		lines[i] = c.String()
	}
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Fprintf(w, "constraint %s\n", line)
	}
}

func writeBindings(w io.Writer, bindings symbolic.Bindings) {
	keys := maps.Keys(bindings)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, key := range keys {
		fmt.Fprintf(w, "bind %s=%d\n", key, bindings[key])
	}
}

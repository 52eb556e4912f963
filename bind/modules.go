package bind

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Module is one pre-compiled device binary and the entry points it exports. Images are
// per-runtime artifacts; the table only carries them, it never interprets them.
type Module struct {
	Image   []byte
	Entries []string
}

// ModuleTable maps module identifiers to their binaries. The translator fills it once
// per target; lowering looks kernels up by (module, entry).
type ModuleTable map[string]Module

// NewModule returns a Module over the given image exporting the listed entries.
func NewModule(image []byte, entries ...string) Module {
	return Module{Image: image, Entries: entries}
}

// Lookup resolves the binary image that exports entry from the named module. A miss is
// a hard lowering failure: a program referencing an absent kernel is not executable, so
// there is no fallback.
func (t ModuleTable) Lookup(module, entry string) ([]byte, error) {
	m, found := t[module]
	if !found {
		known := maps.Keys(t)
		slices.Sort(known)
		return nil, errors.Errorf("module %q not in binary table, have %v", module, known)
	}
	if !slices.Contains(m.Entries, entry) {
		return nil, errors.Errorf("module %q exports no entry %q, have %v", module, entry, m.Entries)
	}
	return m.Image, nil
}

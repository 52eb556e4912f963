// Package hostbin defines the kernel binary format of the in-process devq devices.
//
// Kernels are pre-compiled per backend; for the host devices a "binary" is a small
// manifest mapping entry point names to registered host routines. The image layout is:
//
//	magic "DQKB" | version byte | uvarint #entries | #entries × (name, symbol)
//
// where each string is uvarint length followed by raw bytes. Parse failures surface as
// runtimes.ErrInvalidBinary; entry lookup misses as runtimes.ErrKernelNotFound. Both
// are hard errors, there is no fallback resolution.
package hostbin

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/devq/devq/runtimes"
)

var magic = []byte("DQKB")

const (
	version    = 1
	maxEntries = 1 << 12
	maxStrLen  = 1 << 10
)

// Func is a host kernel routine. args are the positional device buffers bound with
// SetArg (nil if a position was never bound); global/local are the launch sizes.
// Builtin routines treat global.Total() as the element count.
type Func func(args [][]byte, global, local runtimes.Dim3) error

var (
	muFuncs sync.Mutex
	funcs   = make(map[string]Func)
)

// RegisterFunc makes a host routine available under symbol. Builtins are registered at
// package initialization; tests and applications may add their own.
func RegisterFunc(symbol string, fn Func) {
	muFuncs.Lock()
	defer muFuncs.Unlock()
	funcs[symbol] = fn
}

func lookupFunc(symbol string) (Func, bool) {
	muFuncs.Lock()
	defer muFuncs.Unlock()
	fn, ok := funcs[symbol]
	return fn, ok
}

// Module is a parsed binary image.
type Module struct {
	entries map[string]string // entry point name → routine symbol
}

// Entries returns the sorted entry point names of the module.
func (m *Module) Entries() []string {
	names := maps.Keys(m.entries)
	slices.Sort(names)
	return names
}

// Resolve returns the routine behind an entry point. A missing entry fails with
// runtimes.ErrKernelNotFound; an entry whose symbol is not registered on this host
// fails with runtimes.ErrInvalidBinary (the module is not loadable here).
func (m *Module) Resolve(entry string) (Func, error) {
	symbol, ok := m.entries[entry]
	if !ok {
		return nil, errors.Wrapf(runtimes.ErrKernelNotFound, "entry %q (module has %v)",
			entry, m.Entries())
	}
	fn, ok := lookupFunc(symbol)
	if !ok {
		return nil, errors.Wrapf(runtimes.ErrInvalidBinary,
			"entry %q references unregistered routine %q", entry, symbol)
	}
	return fn, nil
}

// Parse decodes a binary image.
func Parse(image []byte) (*Module, error) {
	if !bytes.HasPrefix(image, magic) {
		return nil, errors.Wrapf(runtimes.ErrInvalidBinary, "bad magic in %d bytes image", len(image))
	}
	r := bytes.NewReader(image[len(magic):])
	ver, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrapf(runtimes.ErrInvalidBinary, "truncated header")
	}
	if ver != version {
		return nil, errors.Wrapf(runtimes.ErrInvalidBinary, "unsupported version %d", ver)
	}
	count, err := binary.ReadUvarint(r)
	if err != nil || count > maxEntries {
		return nil, errors.Wrapf(runtimes.ErrInvalidBinary, "bad entry count")
	}
	m := &Module{entries: make(map[string]string, count)}
	for i := uint64(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, errors.Wrapf(runtimes.ErrInvalidBinary, "entry %d name", i)
		}
		symbol, err := readString(r)
		if err != nil {
			return nil, errors.Wrapf(runtimes.ErrInvalidBinary, "entry %d symbol", i)
		}
		m.entries[name] = symbol
	}
	return m, nil
}

func readString(r *bytes.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n > maxStrLen {
		return "", errors.Errorf("string of %d bytes too long", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Image assembles a binary image from entry point name → routine symbol, in sorted
// entry order so images are deterministic.
func Image(entries map[string]string) []byte {
	var buf bytes.Buffer
	buf.Write(magic)
	buf.WriteByte(version)
	names := maps.Keys(entries)
	slices.Sort(names)
	writeUvarint(&buf, uint64(len(names)))
	for _, name := range names {
		writeString(&buf, name)
		writeString(&buf, entries[name])
	}
	return buf.Bytes()
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], v)])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

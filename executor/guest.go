package executor

// Guest is a WASI program run by RunWASM.
type Guest interface {
	// Name identifies the program. It is the cache key of the compiled
	// module and argv[0].
	Name() string

	// Module returns the WASM binary.
	Module() []byte

	// Args returns the arguments after argv[0].
	Args() []string
}

type guest struct {
	name string
	wasm []byte
	args []string
}

// NewGuest wraps a WASI binary. Guests sharing a name share one compiled
// module, so distinct binaries need distinct names.
func NewGuest(name string, wasm []byte, args ...string) Guest {
	return &guest{name: name, wasm: wasm, args: args}
}

func (g *guest) Name() string   { return g.name }
func (g *guest) Module() []byte { return g.wasm }
func (g *guest) Args() []string { return g.args }

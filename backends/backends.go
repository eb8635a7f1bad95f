// Package backends defines the interface a code-generation and execution
// target needs to implement to run lowered kernel programs.
//
// A backend turns a lowered program into an executable Artifact; artifacts
// can be serialized for the persistent compilation cache and loaded back by
// the same backend. Registration is by name, and the WAVE_BACKEND environment
// variable selects the default target.
package backends

import (
	"context"
	"os"
	"strings"

	"github.com/badgerbroch/wave/lowering"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// LaunchConfig is the execution geometry of one dispatch: the workgroup grid
// and the per-workgroup resources.
type LaunchConfig struct {
	// Grid is the number of workgroups per grid axis.
	Grid []int

	// WavesPerAxis is the wave layout inside one workgroup.
	WavesPerAxis []int

	// Threads is the total lane count per workgroup.
	Threads int

	// SharedBytes is the per-workgroup shared-memory footprint.
	SharedBytes uintptr
}

// NumWorkgroups returns the total workgroup count of the dispatch.
func (c LaunchConfig) NumWorkgroups() int {
	n := 1
	for _, g := range c.Grid {
		n *= g
	}
	return n
}

// Buffer is a host-side view of one kernel argument: concrete dimensions and
// raw element storage.
type Buffer struct {
	DType dtypes.DType
	Dims  []int
	Data  []byte
}

// NumElements returns the element count of the buffer.
func (b *Buffer) NumElements() int {
	n := 1
	for _, d := range b.Dims {
		n *= d
	}
	return n
}

// Bytes returns the storage size the buffer's dimensions require.
func (b *Buffer) Bytes() int {
	return b.NumElements() * int(b.DType.Memory())
}

// Artifact is a compiled kernel, ready for dispatch.
type Artifact interface {
	// ID uniquely identifies this artifact instance.
	ID() string

	// Backend returns the name of the backend that produced the artifact.
	Backend() string

	// Execute runs the kernel once with the given launch geometry. Buffers
	// are passed in the order of the kernel signature and must already be
	// validated by the caller.
	Execute(ctx context.Context, launch LaunchConfig, args []*Buffer) error

	// Serialize returns a byte representation the producing backend can
	// Load again.
	Serialize() ([]byte, error)
}

// Backend is the compilation and execution target API.
type Backend interface {
	// Name returns the short registered name, e.g. "dryrun".
	Name() string

	// Description is a longer description for pretty-printing.
	Description() string

	// Compile turns a lowered program into an executable artifact.
	Compile(program *lowering.Program) (Artifact, error)

	// Load deserializes an artifact previously produced by Serialize.
	Load(data []byte) (Artifact, error)

	// Finalize releases the backend's resources and invalidates it.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under name. Call during package
// initialization; registering the same name twice panics.
func Register(name string, constructor Constructor) {
	if _, found := registeredConstructors[name]; found {
		exceptions.Panicf("backend %q registered twice", name)
	}
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use when WAVE_BACKEND is not
// set. See NewWithConfig for the format.
var DefaultConfig string

// EnvVar is the environment variable with the default backend configuration,
// formatted as "<backend_name>" or "<backend_name>:<backend_configuration>".
const EnvVar = "WAVE_BACKEND"

// New returns a Backend built from the WAVE_BACKEND environment variable,
// falling back to DefaultConfig and then to the first registered backend.
func New() (Backend, error) {
	if config, found := os.LookupEnv(EnvVar); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig builds a Backend from a "<name>" or "<name>:<config>"
// string. An empty string selects the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- import one, e.g. _ "github.com/badgerbroch/wave/backends/dryrun"`)
	}
	name := config
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		backendConfig = config[idx+1:]
	}
	if name == "" {
		name = firstRegistered
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("backend %q is not registered (configuration %q)", name, config)
	}
	return constructor(backendConfig)
}

// Registered returns the names of the registered backends.
func Registered() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}

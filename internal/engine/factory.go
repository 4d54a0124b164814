package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"llamagate/internal/common/fsutil"
)

// Engine kinds accepted by New.
const (
	KindCLI    = "cli"
	KindServer = "server"
	KindInproc = "inproc"
)

// Options configures engine construction. Zero values select defaults.
type Options struct {
	// Binary is an explicit path to llama-cli or llama-server.
	Binary    string
	ExtraArgs []string
	// Host and port range for the server engine.
	Host      string
	PortStart int
	PortEnd   int
	// ReadyTimeout bounds llama-server startup.
	ReadyTimeout time.Duration
	// StopGrace is the SIGTERM-to-SIGKILL delay.
	StopGrace time.Duration
	// Runner replaces os/exec for the cli engine (tests).
	Runner CommandRunner
	Logger zerolog.Logger
}

// binaryCandidates are common llama.cpp install locations tried when no
// explicit binary is configured.
var binaryCandidates = []string{
	"~/llama.cpp/build/bin/%s",
	"~/apps/llama.cpp/build/bin/%s",
	"/usr/local/bin/%s",
	"/opt/homebrew/bin/%s",
}

func (o Options) resolveBinary(name string) (string, error) {
	cands := make([]string, 0, len(binaryCandidates))
	for _, c := range binaryCandidates {
		cands = append(cands, fmt.Sprintf(c, name))
	}
	return fsutil.FindExecutable(o.Binary, name, cands...)
}

// New returns the engine for kind. Binary resolution failures are reported as
// *ModelLoadError so startup treats them like any other load failure.
func New(kind string, opts Options) (Engine, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", KindCLI:
		return newCLIEngine(opts)
	case KindServer:
		return newServerEngine(opts)
	case KindInproc:
		return newInprocEngine(opts)
	default:
		return nil, loadErr("", fmt.Sprintf("unknown engine kind %q", kind), nil)
	}
}

// LlamaBuilt reports whether the in-process engine is linked into this binary.
func LlamaBuilt() bool { return llamaBuilt }

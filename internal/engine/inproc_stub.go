//go:build !llama

package engine

// This file keeps default builds CGO-free. The real in-process engine lives in
// inproc_llama.go and is compiled with `-tags=llama`.

import (
	"context"

	"github.com/rs/zerolog"
)

const llamaBuilt = false

type inprocEngine struct {
	log zerolog.Logger
}

func newInprocEngine(opts Options) (*inprocEngine, error) {
	return &inprocEngine{log: opts.Logger}, nil
}

func (e *inprocEngine) Name() string { return KindInproc }

// Open fails fast: llama support is not linked into this binary.
func (e *inprocEngine) Open(ctx context.Context, spec Spec) (Session, error) {
	return nil, loadErr(spec.ModelPath, "llama support not built (missing 'llama' build tag)", nil)
}

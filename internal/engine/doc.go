// Package engine owns the llama.cpp execution context behind the gateway.
// It is structured into small files by concern:
//
//   - engine.go: Engine/Session interfaces, Spec, Request, Output.
//   - handle.go: Handle, the single owner of one Session (open, generate, reopen, close).
//   - errors.go: ModelLoadError, ExecutionError and IsX helpers.
//   - gguf.go: model file preflight (existence, readability, GGUF magic).
//   - runner.go: CommandRunner seam around os/exec.
//   - cli.go: "cli" engine, one llama-cli process per generation.
//   - server.go: "server" engine, one long-lived llama-server per session.
//   - inproc_llama.go: "inproc" engine via go-llama.cpp. Enabled with `-tags=llama`;
//     inproc_stub.go refuses to open when the tag is not set.
//   - factory.go: New(kind, Options) selects an engine.
//
// Threads and context size are configuration only. Nothing in a client
// request can change them.
package engine

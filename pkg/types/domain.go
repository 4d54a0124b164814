package types

// Model describes the single GGUF model served by the gateway.
type Model struct {
	// Stable identifier, the model file name.
	// example: deepseek-coder-6.7b-instruct.Q4_K_M.gguf
	ID string `json:"id" example:"deepseek-coder-6.7b-instruct.Q4_K_M.gguf"`
	// Absolute path to the model file on disk.
	// example: /srv/models/deepseek-coder-6.7b-instruct.Q4_K_M.gguf
	Path string `json:"path" example:"/srv/models/deepseek-coder-6.7b-instruct.Q4_K_M.gguf"`
	// Size of the weights file in MB.
	// example: 3892
	SizeMB int `json:"size_mb" example:"3892"`
	// Worker threads given to the engine.
	// example: 24
	Threads int `json:"threads" example:"24"`
	// Context window in tokens.
	// example: 4096
	ContextSize int `json:"context_size" example:"4096"`
}

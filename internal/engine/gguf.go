package engine

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

var ggufMagic = []byte("GGUF")

// checkModelFile verifies the model exists, is a readable regular file and
// starts with the GGUF magic.
func checkModelFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return loadErr(path, "model file not found", nil)
		}
		return loadErr(path, "model file unreadable", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return loadErr(path, "model file unreadable", err)
	}
	if fi.IsDir() {
		return loadErr(path, "model path is a directory", nil)
	}
	head := make([]byte, len(ggufMagic))
	if _, err := io.ReadFull(f, head); err != nil {
		return loadErr(path, "model file too short", err)
	}
	if !bytes.Equal(head, ggufMagic) {
		return loadErr(path, fmt.Sprintf("not a GGUF file (magic %q)", head), nil)
	}
	return nil
}

//go:build !whisper

package inference

import "fmt"

// NewWhisperLoader reports that whisper.cpp support was not compiled in.
// Build with -tags whisper and libwhisper available to enable it.
func NewWhisperLoader(modelDir string, threads int) (Loader, error) {
	return nil, fmt.Errorf("whisper.cpp support is disabled in this build")
}

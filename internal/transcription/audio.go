package transcription

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/codebuildervaibhav/scribber/internal/types"
)

var supportedFormats = []string{".mp3", ".wav", ".m4a", ".ogg", ".flac", ".webm", ".aac", ".wma"}

// ValidateAudioFormat checks if the file format is supported
func ValidateAudioFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, format := range supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// ValidateUpload checks an uploaded audio file before it is stored.
func ValidateUpload(filename string, size, maxSize int64) error {
	if !ValidateAudioFormat(filename) {
		return fmt.Errorf("%w: unsupported audio format %q (supported: %s)",
			types.ErrValidation, filepath.Ext(filename), strings.Join(supportedFormats, ", "))
	}
	if size <= 0 {
		return fmt.Errorf("%w: audio file is empty", types.ErrValidation)
	}
	if maxSize > 0 && size > maxSize {
		return fmt.Errorf("%w: audio file is %d bytes, limit is %d", types.ErrValidation, size, maxSize)
	}
	return nil
}

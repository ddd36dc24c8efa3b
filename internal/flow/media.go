package flow

import "strings"

var mediaExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"audio/ogg":  ".ogg",
	"audio/mpeg": ".mp3",
	"audio/mp4":  ".m4a",
	"audio/aac":  ".aac",
	"audio/amr":  ".amr",
}

// extensionFor maps a media type, with or without parameters, to a file extension.
func extensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	if ext, ok := mediaExtensions[strings.ToLower(strings.TrimSpace(base))]; ok {
		return ext
	}
	return ".bin"
}

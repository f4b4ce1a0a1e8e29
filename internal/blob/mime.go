package blob

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

const (
	defaultExt  = "bin"
	defaultMIME = "application/octet-stream"
)

// Extensions preferred for sniffed content types whose system mime table
// entry is ambiguous or missing.
var sniffedExtensions = map[string]string{
	"image/png":                "png",
	"image/jpeg":               "jpg",
	"image/gif":                "gif",
	"image/webp":               "webp",
	"image/bmp":                "bmp",
	"image/x-icon":             "ico",
	"application/pdf":          "pdf",
	"application/zip":          "zip",
	"application/x-gzip":       "gz",
	"application/json":         "json",
	"application/wasm":         "wasm",
	"text/plain":               "txt",
	"text/html":                "html",
	"text/xml":                 "xml",
	"audio/mpeg":               "mp3",
	"audio/wave":               "wav",
	"video/mp4":                "mp4",
	"video/webm":               "webm",
	"font/woff":                "woff",
	"font/woff2":               "woff2",
	"application/octet-stream": defaultExt,
}

// extensionFor picks the identifier extension: the filename's own extension
// when it is short and alphanumeric, else one derived from sniffing data.
func extensionFor(filename string, data []byte) string {
	if ext, ok := cleanExt(filepath.Ext(filename)); ok {
		return ext
	}

	sniffed := baseType(http.DetectContentType(data))
	if ext, ok := sniffedExtensions[sniffed]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(sniffed); err == nil {
		for _, e := range exts {
			if ext, ok := cleanExt(e); ok {
				return ext
			}
		}
	}
	return defaultExt
}

// mimeTypeFor derives the MIME type from ext, falling back to content
// sniffing.
func mimeTypeFor(ext string, data []byte) string {
	if ext != defaultExt {
		if t := mime.TypeByExtension("." + ext); t != "" {
			return t
		}
	}
	if t := http.DetectContentType(data); t != "" {
		return t
	}
	return defaultMIME
}

func cleanExt(ext string) (string, bool) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	if ext == "" || len(ext) > maxExtLen {
		return "", false
	}
	for i := 0; i < len(ext); i++ {
		c := ext[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return "", false
		}
	}
	return ext, true
}

func baseType(contentType string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		return mt
	}
	return contentType
}

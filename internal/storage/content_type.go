package storage

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"
)

// ContentTypePDF is the only document type accepted for analysis.
const ContentTypePDF = "application/pdf"

// DetectContentType determines the MIME type of a file.
//
// Detection priority: providedType, then the filename extension, then the
// first 512 bytes of head, falling back to application/octet-stream.
func DetectContentType(providedType, filename string, head []byte) string {
	if providedType != "" {
		return providedType
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if contentType := mime.TypeByExtension(ext); contentType != "" {
		return contentType
	}

	if len(head) > 0 {
		return SniffContentType(head)
	}
	return "application/octet-stream"
}

// SniffContentType detects the MIME type from content alone.
func SniffContentType(data []byte) string {
	if len(data) > 512 {
		data = data[:512]
	}
	return http.DetectContentType(data)
}

// IsPDF checks a declared or sniffed content type, ignoring parameters.
func IsPDF(contentType string) bool {
	baseType := strings.Split(contentType, ";")[0]
	return strings.TrimSpace(strings.ToLower(baseType)) == ContentTypePDF
}

package queue

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// readLocalImage loads the bytes behind a device-local image URI and guesses
// its content type from the extension. Only file:// URIs and absolute paths
// are readable here; platform asset schemes (content://, ph://) must be
// materialized to files by the caller before enqueueing.
func readLocalImage(uri string) ([]byte, string, error) {
	path := uri
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "file://"):
		path = uri[len("file://"):]
	case strings.HasPrefix(path, "/"):
		// already a filesystem path
	default:
		return nil, "", fmt.Errorf("unsupported local image URI scheme: %s", uri)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

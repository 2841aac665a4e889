package storage

import (
	"path"
	"strings"
)

// ContentTypeForKey maps an object key to the MIME type used when publishing
// HLS artefacts. Unknown extensions fall back to a binary stream.
func ContentTypeForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

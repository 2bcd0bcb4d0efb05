package session

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"r3chat/pkg/config"
	"r3chat/pkg/logger"
	"r3chat/pkg/store"
)

const maxInlineBytes = 4 << 20

// inlineAttachments appends referenced file contents to a prompt so the
// provider sees them without a separate fetch. Images become data URLs;
// text files are appended verbatim. Unreadable or oversized files are
// skipped with a warning rather than failing the whole generation.
func inlineAttachments(cfg *config.Config, prompt string, fileIDs []string) string {
	if len(fileIDs) == 0 {
		return prompt
	}
	dir := cfg.Storage.BlobDir
	if dir == "" {
		dir = "./data/blobs"
	}
	var b strings.Builder
	b.WriteString(prompt)
	for _, id := range fileIDs {
		meta, err := store.GetFileMeta(id)
		if err != nil {
			logger.Warn("attachment_meta_missing", "file_id", id, "error", err)
			continue
		}
		if meta.Size > maxInlineBytes {
			logger.Warn("attachment_too_large", "file_id", id, "bytes", meta.Size)
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, meta.ID))
		if err != nil {
			logger.Warn("attachment_read_failed", "file_id", id, "error", err)
			continue
		}
		b.WriteString("\n\n[attachment: ")
		b.WriteString(meta.Name)
		b.WriteString("]\n")
		if strings.HasPrefix(meta.ContentType, "image/") || meta.ContentType == "application/pdf" {
			b.WriteString("data:")
			b.WriteString(meta.ContentType)
			b.WriteString(";base64,")
			b.WriteString(base64.StdEncoding.EncodeToString(data))
		} else if utf8.Valid(data) {
			b.Write(data)
		} else {
			b.WriteString("data:application/octet-stream;base64,")
			b.WriteString(base64.StdEncoding.EncodeToString(data))
		}
	}
	return b.String()
}

package agent

import (
	"encoding/base64"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/openclaw/openclaw/internal/ingress"
	"github.com/openclaw/openclaw/internal/providers"
)

// maxImageBytes is the safety limit for inlining an image into an LLM
// request (10 MiB).
const maxImageBytes = 10 * 1024 * 1024

// attachmentImages converts inbound image attachments into base64 image
// content for vision-capable models. Non-image and oversized attachments are
// skipped with a warning.
func attachmentImages(atts []ingress.Attachment) []providers.ImageContent {
	var images []providers.ImageContent
	for _, a := range atts {
		if len(a.Data) == 0 {
			continue
		}
		mime := a.MimeType
		if !strings.HasPrefix(mime, "image/") {
			mime = inferImageMime(a.FileName)
		}
		if mime == "" {
			continue
		}
		if len(a.Data) > maxImageBytes {
			slog.Warn("agent.image_too_large", "file", a.FileName, "size", len(a.Data))
			continue
		}
		images = append(images, providers.ImageContent{
			MimeType: mime,
			Data:     base64.StdEncoding.EncodeToString(a.Data),
		})
	}
	return images
}

// inferImageMime returns the MIME type for supported image extensions, or ""
// when the name is not a recognized image.
func inferImageMime(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return ""
	}
}

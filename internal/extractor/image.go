package extractor

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

const (
	// maxImageEdge is the longest-edge bound after resizing.
	maxImageEdge = 1500
	// resizeThresholdBytes triggers the resize pass.
	resizeThresholdBytes = 2 << 20
)

// extractImage resizes oversized photos down to the vision-friendly edge
// length and runs the vision extraction. Image results are capped at
// MEDIUM confidence.
func (e *Extractor) extractImage(ctx domain.Context, job domain.IncomingJob, att domain.Attachment, path string, budget *TokenBudget) (domain.SourceResult, error) {
	raw, mediaType, err := imagePayload(path, att.Filename)
	if err != nil {
		return skipped(att, domain.SourceImage, err), nil
	}

	res, err := e.callVision(ctx, job, domain.SourceImage, att.Filename, []domain.ChatImage{{
		MediaType: mediaType,
		Base64:    base64.StdEncoding.EncodeToString(raw),
	}}, budget)
	if err != nil {
		return domain.SourceResult{}, err
	}
	if res.Confidence == domain.ConfidenceHigh {
		res.Confidence = domain.ConfidenceMedium
	}
	return res, nil
}

// imagePayload loads the image, resizing in memory when it is above the
// threshold before it goes to the vendor.
func imagePayload(path, filename string) ([]byte, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", fmt.Errorf("op=image_stat: %w", err)
	}

	if info.Size() <= resizeThresholdBytes {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("op=image_read: %w", err)
		}
		return raw, mediaTypeFor(filename), nil
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, "", fmt.Errorf("image decode: %w: %v", domain.ErrUnreadableSource, err)
	}
	resized := imaging.Fit(img, maxImageEdge, maxImageEdge, imaging.Lanczos)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: 85}); err != nil {
		return nil, "", fmt.Errorf("op=image_encode: %w", err)
	}
	return buf.Bytes(), "image/jpeg", nil
}

func mediaTypeFor(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".png":
		return "image/png"
	default:
		return "image/jpeg"
	}
}

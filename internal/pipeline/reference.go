package pipeline

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

const defaultImageMIME = "image/png"

// decodeReference accepts plain base64 or a data URL.
func decodeReference(encoded string, maxBytes int64) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	if strings.HasPrefix(encoded, "data:") {
		if _, payload, ok := strings.Cut(encoded, ","); ok {
			encoded = payload
		}
	}
	if maxBytes > 0 && int64(base64.StdEncoding.DecodedLen(len(encoded))) > maxBytes+2 {
		return nil, fmt.Errorf("reference image exceeds %d bytes", maxBytes)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid image_base64: %w", err)
	}
	if len(data) == 0 {
		return nil, errors.New("reference image is empty")
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("reference image exceeds %d bytes", maxBytes)
	}
	return data, nil
}

// referenceMIME returns the declared type, else a guess from the filename,
// else image/png.
func referenceMIME(declared, filename string) string {
	if declared = strings.TrimSpace(declared); declared != "" {
		return declared
	}
	if guessed := mime.TypeByExtension(strings.ToLower(filepath.Ext(filename))); guessed != "" {
		return guessed
	}
	return defaultImageMIME
}

// referenceFilename picks a file name for a synthesized image.
func referenceFilename(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/jpeg", "image/jpg":
		return "reference.jpg"
	case "image/webp":
		return "reference.webp"
	default:
		return "reference.png"
	}
}

// normalizeReference writes a copy of src to dst whose longest edge is at most
// maxEdge and reports whether it did. src itself is never modified. Images
// that cannot be decoded are reported via the returned error; callers treat
// that as non-fatal and send src as is.
func normalizeReference(src, dst string, maxEdge int) (bool, error) {
	if maxEdge <= 0 {
		return false, nil
	}
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return false, err
	}
	bounds := img.Bounds()
	if bounds.Dx() <= maxEdge && bounds.Dy() <= maxEdge {
		return false, nil
	}
	resized := imaging.Fit(img, maxEdge, maxEdge, imaging.Lanczos)
	if err := imaging.Save(resized, dst); err != nil {
		return false, err
	}
	return true, nil
}

package storage

import (
	"path"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// newKeyID prefixes user supplied filenames so keys never collide.
var newKeyID = uuid.NewString

// InputKey addresses a raw scan upload: {owner}/{job}/inputs/{uuid}_{filename}.
func InputKey(ownerID, jobID, filename string) string {
	return ownerID + "/" + jobID + "/inputs/" + newKeyID() + "_" + SanitizeFilename(filename)
}

// OutputKey addresses a pipeline artifact: {owner}/{job}/outputs/{name}.
func OutputKey(ownerID, jobID, name string) string {
	return ownerID + "/" + jobID + "/outputs/" + SanitizeFilename(name)
}

// MarketplaceKey addresses a listing upload: {owner}/marketplace/{kind}/{uuid}_{filename}.
func MarketplaceKey(ownerID, kind, filename string) string {
	return MarketplacePrefix(ownerID, kind) + newKeyID() + "_" + SanitizeFilename(filename)
}

// MarketplacePrefix is the key prefix every upload of kind by ownerID shares.
func MarketplacePrefix(ownerID, kind string) string {
	return ownerID + "/marketplace/" + kind + "/"
}

// SanitizeFilename reduces a client filename to a single NFC-normalized path
// segment without control characters.
func SanitizeFilename(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if name == "." || name == "/" || name == ".." || name == "" {
		return "upload"
	}
	return name
}

package document

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// StorageKey builds the documents/{year}/{month}/{uuid}-{safeFilename} path
// a Document's storagePath is set to on upload.
func StorageKey(uploadedAt time.Time, id uuid.UUID, filename string) string {
	safe := unsafeFilenameChars.ReplaceAllString(filename, "_")
	return fmt.Sprintf("documents/%04d/%02d/%s-%s", uploadedAt.Year(), uploadedAt.Month(), id, safe)
}

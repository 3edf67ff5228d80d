package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Go's builtin MIME table has no audio entries, so the common ones are
// listed here and the system table is consulted for the rest.
var audioTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/opus",
	".webm": "audio/webm",
	".amr":  "audio/amr",
}

// audioContentType returns the MIME type for name, or ErrNotAudio.
func audioContentType(name string) (string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if ct, ok := audioTypes[ext]; ok {
		return ct, nil
	}
	if ct := mime.TypeByExtension(ext); strings.HasPrefix(ct, "audio/") {
		return ct, nil
	}
	return "", fmt.Errorf("%w: %q", ErrNotAudio, name)
}

// digest is the hex SHA-256 of the file at path.
func digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// uploadID tells apart uploads that share a name and a second.
func uploadID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// objectName is the blob key for an upload: "<unix>_<id>_<base name>".
// Blob stores overwrite on Put, so keys must never be reused.
func objectName(now time.Time, id, filename string) string {
	base := filepath.Base(filepath.Clean("/" + filename))
	if base == "/" || base == "." {
		return fmt.Sprintf("%d_%s_audio", now.Unix(), id)
	}
	base = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ' ', '?', '#', '%':
			return '_'
		}
		return r
	}, base)
	return fmt.Sprintf("%d_%s_%s", now.Unix(), id, base)
}

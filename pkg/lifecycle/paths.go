package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nous-labs/neuro/pkg/brain"
)

const snapshotTimeFormat = "20060102T150405Z"

// snapshotPath returns {dir}/{role}_{identity}_{timestamp}.bin. The identity
// is the brain id for the platform brain and sanitize(ownerID)-{id} for a
// student; sanitize maps distinct owners onto one name, the id keeps their
// files apart.
func snapshotPath(dir string, typ brain.Type, ownerID, id string, now time.Time) string {
	identity := id
	if ownerID != "" {
		identity = sanitize(ownerID) + "-" + id
	}
	name := string(typ) + "_" + identity + "_" + now.UTC().Format(snapshotTimeFormat) + ".bin"
	return filepath.Join(dir, name)
}

// reserveSnapshot creates an empty file at path, failing if one exists, so a
// new brain never overwrites another brain's snapshot.
func reserveSnapshot(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("reserve snapshot %s: %w", path, err)
	}
	return f.Close()
}

// sanitize keeps owner ids safe to embed in a file name.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '-'
		}
	}, s)
	s = strings.Trim(s, ".")
	if s == "" {
		return "anon"
	}
	return s
}

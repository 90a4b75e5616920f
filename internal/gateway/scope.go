package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAccessDenied is returned for cross-organization access and any
// unauthorized operation. The message deliberately carries no detail
// about what exists.
var ErrAccessDenied = errors.New("access denied")

// OrgFromKey derives the owning organization from an object key, which by
// convention starts with the organization code as its first path segment.
//
// Key-derived organizations are trusted for public reads only. Writes and
// deletes must always resolve the organization from a validated
// credential, never from the key.
func OrgFromKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	org, _, _ := strings.Cut(key, "/")
	return org
}

// enforceKeyScope rejects keys outside the given organization's key space.
func enforceKeyScope(org, key string) error {
	if org == "" || OrgFromKey(key) != org {
		return fmt.Errorf("%w: key %q is outside organization scope", ErrAccessDenied, key)
	}
	return nil
}

package sandbox

import (
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/nevindra/agentd"
)

// userIDPattern keeps user ids shell- and path-safe. Anything else
// would let a crafted id escape its workspace or break the exec line.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

func validateUserID(userID string) error {
	if !userIDPattern.MatchString(userID) {
		return agentd.Errf(agentd.KindPathEscape, "invalid user id %q", userID)
	}
	return nil
}

// userRoot returns the absolute workspace directory for a user.
func (s *Sandbox) userRoot(userID string) string {
	return path.Join(s.cfg.Root, userID)
}

// resolvePath canonicalizes a user-supplied relative path against the
// user's workspace root. Absolute paths, parent traversal, and anything
// that resolves outside the workspace fail with KindPathEscape.
func (s *Sandbox) resolvePath(userID, rel string) (string, error) {
	if err := validateUserID(userID); err != nil {
		return "", err
	}
	if rel == "" || rel == "." {
		return s.userRoot(userID), nil
	}
	if path.IsAbs(rel) {
		return "", agentd.Errf(agentd.KindPathEscape, "absolute paths are not allowed: %q", rel)
	}
	root := s.userRoot(userID)
	clean := path.Join(root, rel)
	if clean != root && !strings.HasPrefix(clean, root+"/") {
		return "", agentd.Errf(agentd.KindPathEscape, "path escapes workspace: %q", rel)
	}
	return clean, nil
}

// sanitizeOutput makes captured output safe to show a client: strip the
// absolute workspace prefix (users see "." for their own root) and
// replace ill-formed UTF-8 from binary-ish commands.
func (s *Sandbox) sanitizeOutput(out, userID string) string {
	if out == "" {
		return ""
	}
	root := s.userRoot(userID)
	out = strings.ReplaceAll(out, root+"/", "./")
	out = strings.ReplaceAll(out, root, ".")
	// Never leak other tenants' roots either.
	out = strings.ReplaceAll(out, s.cfg.Root+"/", "")
	sanitized, _, err := transform.String(runes.ReplaceIllFormed(), out)
	if err != nil {
		return out
	}
	return sanitized
}

package workspace

import (
	"fmt"
	"regexp"
)

const maxWorkspaceIDLength = 64

// workspace ids end up in file names and SQL keys, so the alphabet stays small
var workspaceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidateWorkspaceID checks a workspace identifier
func ValidateWorkspaceID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("workspace id cannot be empty")
	}
	if len(id) > maxWorkspaceIDLength {
		return fmt.Errorf("workspace id length %d exceeds maximum of %d characters", len(id), maxWorkspaceIDLength)
	}
	if !workspaceIDPattern.MatchString(id) {
		return fmt.Errorf("workspace id %q must start with a letter or digit, followed by letters, digits, '_' or '-'", id)
	}
	if isReservedID(id) {
		return fmt.Errorf("cannot use reserved name %q as workspace id", id)
	}
	return nil
}

// isReservedID rejects ids that collide with route segments
func isReservedID(id string) bool {
	reserved := map[string]bool{
		"current": true,
		"health":  true,
		"groups":  true,
		"resale":  true,
	}
	return reserved[id]
}

package git

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// Allowed characters after sanitization: alphanumerics, dash,
	// underscore, dot and slash.
	branchCharPattern = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)

	repeatedDashes  = regexp.MustCompile(`-{2,}`)
	repeatedSlashes = regexp.MustCompile(`/{2,}`)
)

const maxBranchNameLength = 120

// ValidateBranchName reports whether name is acceptable as a git branch
// name for the refs this tool creates. The rules are a conservative
// subset of git-check-ref-format.
func ValidateBranchName(name string) error {
	if name == "" {
		return fmt.Errorf("branch name is empty")
	}
	if len(name) > maxBranchNameLength {
		return fmt.Errorf("branch name exceeds %d characters: %q", maxBranchNameLength, name)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, "/") || strings.HasPrefix(name, ".") {
		return fmt.Errorf("branch name has invalid leading character: %q", name)
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") || strings.HasSuffix(name, ".lock") {
		return fmt.Errorf("branch name has invalid suffix: %q", name)
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") {
		return fmt.Errorf("branch name contains forbidden sequence: %q", name)
	}
	if branchCharPattern.MatchString(name) {
		return fmt.Errorf("branch name contains invalid characters: %q", name)
	}
	return nil
}

// SanitizeBranchName converts free-form text (e.g. a board item title)
// into a valid branch name. Invalid characters collapse into single
// dashes and the result is lowercased and truncated.
func SanitizeBranchName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = branchCharPattern.ReplaceAllString(s, "-")
	s = repeatedDashes.ReplaceAllString(s, "-")
	s = repeatedSlashes.ReplaceAllString(s, "/")
	s = strings.Trim(s, "-./")
	if len(s) > maxBranchNameLength {
		s = s[:maxBranchNameLength]
		s = strings.Trim(s, "-./")
	}
	if s == "" {
		s = "task"
	}
	return s
}

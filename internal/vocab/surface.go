package vocab

import "strings"

var parenStripper = strings.NewReplacer("(", "", ")", "")

// SurfaceForm turns a canonical tag into readable text: underscores become
// spaces, parentheses are dropped and whitespace is collapsed.
func SurfaceForm(tag string) string {
	s := parenStripper.Replace(strings.ReplaceAll(tag, "_", " "))
	return strings.Join(strings.Fields(s), " ")
}

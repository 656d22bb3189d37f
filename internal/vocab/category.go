package vocab

import "strings"

// Category is a closed set of tag buckets. Labels outside the known set map to
// CategoryOther instead of creating new buckets.
type Category string

const (
	CategoryGeneral   Category = "general"
	CategoryCharacter Category = "character"
	CategoryCopyright Category = "copyright"
	CategoryArtist    Category = "artist"
	CategoryMeta      Category = "meta"
	CategoryRating    Category = "rating"
	CategoryOther     Category = "other"
)

// Categories lists every category in result order.
var Categories = []Category{
	CategoryGeneral,
	CategoryCharacter,
	CategoryCopyright,
	CategoryArtist,
	CategoryMeta,
	CategoryRating,
	CategoryOther,
}

// ParseCategory maps a metadata label to a Category.
// Numeric labels follow the booru export convention.
func ParseCategory(label string) Category {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "general", "0", "":
		return CategoryGeneral
	case "artist", "1":
		return CategoryArtist
	case "copyright", "3":
		return CategoryCopyright
	case "character", "4":
		return CategoryCharacter
	case "meta", "5":
		return CategoryMeta
	case "rating":
		return CategoryRating
	default:
		return CategoryOther
	}
}

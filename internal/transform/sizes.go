package transform

import "strings"

// SizeClass is a named maximum width. Width 0 means no resize.
type SizeClass struct {
	Name  string
	Width int
}

// Original is the size class that keeps the source dimensions.
const Original = "original"

// Classes are the variants derived for every uploaded image, largest first.
var Classes = []SizeClass{
	{Name: Original, Width: 0},
	{Name: "large", Width: 1366},
	{Name: "standard", Width: 1024},
	{Name: "medium", Width: 768},
	{Name: "small", Width: 448},
	{Name: "thumb", Width: 128},
}

// ClassByName looks up a size class.
func ClassByName(name string) (SizeClass, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, c := range Classes {
		if c.Name == name {
			return c, true
		}
	}
	return SizeClass{}, false
}

// VariantKey returns the storage key of a size class derived from key. The
// original class is stored under key itself.
func VariantKey(key, class string) string {
	if class == "" || class == Original {
		return key
	}
	return key + "_" + class
}

// SplitVariantKey splits a variant key into its original key and class. Keys
// without a known class suffix return class Original.
func SplitVariantKey(key string) (string, string) {
	i := strings.LastIndexByte(key, '_')
	if i <= 0 {
		return key, Original
	}
	if _, ok := ClassByName(key[i+1:]); !ok {
		return key, Original
	}
	return key[:i], key[i+1:]
}

package cli

import (
	"errors"

	"github.com/ncruces/zenity"
)

// ImagePatterns are the file-dialog filters for images.
var ImagePatterns = []string{
	"*.jpg", "*.jpeg", "*.png", "*.gif", "*.webp",
	"*.bmp", "*.tif", "*.tiff", "*.heic", "*.heif",
}

// PickImage opens the native file dialog. canceled is true when the user
// dismissed it.
func PickImage(title string) (path string, canceled bool, err error) {
	path, err = zenity.SelectFile(
		zenity.Title(title),
		zenity.FileFilters{
			{Name: "Images", Patterns: ImagePatterns},
		},
	)
	if errors.Is(err, zenity.ErrCanceled) {
		return "", true, nil
	}
	return path, false, err
}

package playground

import "fmt"

// Tag is a conversation category the chat service routes on.
type Tag struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Tags lists the categories in display order.
var Tags = []Tag{
	{ID: "face-cloak", Title: "face cloak"},
	{ID: "art-cloak", Title: "art cloak"},
	{ID: "face-cloak-test", Title: "face cloak testing"},
	{ID: "art-cloak-test", Title: "art cloak testing"},
}

// LookupTag returns the tag with the given ID.
func LookupTag(id string) (Tag, bool) {
	for _, t := range Tags {
		if t.ID == id {
			return t, true
		}
	}
	return Tag{}, false
}

// TagMessage is the instruction sent alongside a message with tag t.
func TagMessage(t Tag) string {
	return fmt.Sprintf("I want to %s this image.", t.Title)
}

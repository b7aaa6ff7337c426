package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
)

// PromptForPath asks for a file path on out and reads one line from in.
// Returns "" if the user enters nothing.
func PromptForPath(in io.Reader, out io.Writer, label string) string {
	fmt.Fprintf(out, "%s: ", label)

	reader := bufio.NewReader(in)
	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		log.Warn().Err(err).Str("prompt", label).Msg("Failed to read input")
		return ""
	}

	// Terminals that support drag-and-drop paste quoted paths.
	return strings.Trim(strings.TrimSpace(input), `"'`)
}

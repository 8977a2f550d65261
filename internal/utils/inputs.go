package utils

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// PromptYesNo asks prompt until the answer is yes or no. End of input counts
// as no.
func PromptYesNo(prompt string, reader io.Reader, writer io.Writer) bool {
	scanner := bufio.NewScanner(reader)

	for {
		_, _ = fmt.Fprintf(writer, "%s (y/n): ", prompt)
		if !scanner.Scan() {
			return false
		}

		switch strings.TrimSpace(strings.ToLower(scanner.Text())) {
		case "y", "yes":
			return true
		case "n", "no":
			return false
		}
	}
}

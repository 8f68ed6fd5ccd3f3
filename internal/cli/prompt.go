package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// prompter reads answers for interactive commands.
type prompter struct {
	in     io.Reader
	reader *bufio.Reader
	out    io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: in, reader: bufio.NewReader(in), out: out}
}

// ask prints label and returns the trimmed answer, or def when it is empty.
func (p *prompter) ask(label, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}
	input, _ := p.reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return def
	}
	return input
}

// confirm asks a yes/no question defaulting to no.
func (p *prompter) confirm(label string) bool {
	answer := strings.ToLower(p.ask(label+" [y/N]", ""))
	return answer == "y" || answer == "yes"
}

// secret reads a value without echo when the input is a terminal.
func (p *prompter) secret(label string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", label)

	if f, ok := p.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		data, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(p.out)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(label), err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	input, err := p.reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(label), err)
	}
	return strings.TrimSpace(input), nil
}

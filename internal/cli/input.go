package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/birbparty/fmdapi/dataapi"
	"golang.org/x/term"
)

// readPassword is a test seam for term.ReadPassword
var readPassword = term.ReadPassword

// GetSimpleText prints a prompt to w and reads one line from reader. A
// partial line before EOF is returned as is.
func GetSimpleText(reader *bufio.Reader, prompt string, w io.Writer) (string, error) {
	if _, err := fmt.Fprint(w, prompt+": "); err != nil {
		return "", err
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// GetPassword prompts on w and reads a password from the terminal without
// echo
func GetPassword(w io.Writer) ([]byte, error) {
	if _, err := fmt.Fprint(w, "Password: "); err != nil {
		return nil, err
	}
	pw, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(w)
	if err != nil {
		return nil, err
	}
	return pw, nil
}

// splitArgs splits a command line on whitespace. Double quotes group
// words, and a backslash escapes the next character inside them.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		current strings.Builder
		inQuote bool
		started bool
	)
	runes := []rune(line)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inQuote && r == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
		case r == '"':
			inQuote = !inQuote
			started = true
		case !inQuote && (r == ' ' || r == '\t'):
			if started {
				args = append(args, current.String())
				current.Reset()
				started = false
			}
		default:
			current.WriteRune(r)
			started = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote")
	}
	if started {
		args = append(args, current.String())
	}
	return args, nil
}

// parseAssignments turns name=value arguments into a field map. Names may
// contain "::" and repetition suffixes like "Phone(2)".
func parseAssignments(args []string) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: expected name=value, got %q", ErrUsage, arg)
		}
		fields[name] = value
	}
	return fields, nil
}

// parseCriteria turns find arguments into query groups. Each "or" starts
// a new group and "omit" marks the group it is in as an exclusion.
func parseCriteria(args []string) ([]dataapi.QueryGroup, error) {
	groups := []dataapi.QueryGroup{{}}
	for _, arg := range args {
		g := &groups[len(groups)-1]
		switch strings.ToLower(arg) {
		case "or":
			groups = append(groups, dataapi.QueryGroup{})
			continue
		case "omit":
			g.Options = &dataapi.QueryOptions{Omit: true}
			continue
		}
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: expected field=criterion, got %q", ErrUsage, arg)
		}
		g.Fields = append(g.Fields, dataapi.QueryField{FieldName: name, FieldValue: value})
	}
	for i, g := range groups {
		if len(g.Fields) == 0 {
			return nil, fmt.Errorf("%w: find group %d has no criteria", ErrUsage, i+1)
		}
	}
	return groups, nil
}

// parseFlags pulls --name=value options out of args. Unknown flags are
// rejected.
func parseFlags(args []string, known ...string) (map[string]string, []string, error) {
	flags := make(map[string]string)
	rest := make([]string, 0, len(args))
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			rest = append(rest, arg)
			continue
		}
		name, value, _ := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !contains(known, name) {
			return nil, nil, fmt.Errorf("%w: unknown option --%s", ErrUsage, name)
		}
		flags[name] = value
	}
	return flags, rest, nil
}

func flagInt(flags map[string]string, name string) (int, bool, error) {
	raw, ok := flags[name]
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%w: --%s must be a number", ErrUsage, name)
	}
	return n, true, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/birbparty/fmdapi/dataapi"
)

// executor is the command surface the REPL needs. App satisfies it; tests
// use a stub.
type executor interface {
	Execute(ctx context.Context, line string) error
	Status() string
}

// runREPL reads commands from reader until EOF, "exit" or "quit", or until
// ctx is done. Command errors are printed and the loop continues. Commands
// that prompt read from the same reader.
func runREPL(ctx context.Context, e executor, reader *bufio.Reader, out io.Writer) {
	for {
		if ctx.Err() != nil {
			return
		}
		fmt.Fprintf(out, "fm %s> ", e.Status())
		raw, err := reader.ReadString('\n')
		if err != nil && raw == "" {
			fmt.Fprintln(out)
			return
		}
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		switch strings.ToLower(line) {
		case "exit", "quit":
			fmt.Fprintln(out, "Bye!")
			return
		}

		if err := e.Execute(ctx, line); err != nil {
			fmt.Fprintln(out, describeError(err))
		}
	}
}

// describeError renders an error for the terminal, adding the Data API
// code and error class when there is one
func describeError(err error) string {
	if errors.Is(err, ErrUnknownCommand) {
		return fmt.Sprintf("Error: %v (type help for the command list)", err)
	}
	if code, ok := dataapi.CodeOf(err); ok {
		return fmt.Sprintf("Error [%s %d]: %v", dataapi.TypeOf(err), code, err)
	}
	return fmt.Sprintf("Error: %v", err)
}

package protocol

import (
	"fmt"
	"strings"

	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/model"
)

// Parser converts between domain values and one engine family's wire format.
type Parser interface {
	// Name returns the protocol family name (e.g. "uci").
	Name() string

	// HandshakeCommands are sent once the channel is open.
	HandshakeCommands() []string

	// IsReady reports whether line is the handshake sentinel.
	IsReady(line string) bool

	ParseInfo(line string) (model.Info, bool)
	ParseResult(line string) (model.Result, bool)

	// SearchCommands returns the commands that start a search.
	SearchCommands(opts model.SearchOptions) ([]string, error)
	StopCommand() string
	OptionCommand(name, value string) (string, error)
}

// ErrorTranslator is implemented by parsers whose engines report errors in-band.
type ErrorTranslator interface {
	TranslateError(line string) (enginerr.Kind, bool)
}

// For returns the parser registered for a protocol family name.
func For(name string) (Parser, error) {
	switch strings.ToLower(name) {
	case model.ProtocolUCI, "":
		return UCI{}, nil
	case model.ProtocolUSI:
		return USI{}, nil
	case model.ProtocolJSON:
		return JSON{}, nil
	default:
		return nil, enginerr.Validation("protocol", "unknown protocol %q", name)
	}
}

// controlChars are refused anywhere in user-supplied command fragments.
const controlChars = "\n\r\x00"

// checkField refuses a user-supplied value that contains control characters
// or any of the reserved whole-word tokens. It never strips.
func checkField(field, value string, reserved ...string) error {
	if strings.ContainsAny(value, controlChars) {
		return enginerr.Validation("command", "%s contains a control character", field).
			WithHint("remove line breaks and NUL bytes from the input")
	}
	for _, tok := range strings.Fields(value) {
		for _, r := range reserved {
			if strings.EqualFold(tok, r) {
				return enginerr.Validation("command", "%s contains reserved token %q", field, r)
			}
		}
	}
	return nil
}

// checkToken refuses values that must be a single whitespace-free token.
func checkToken(field, value string) error {
	if err := checkField(field, value); err != nil {
		return err
	}
	if value == "" || strings.ContainsAny(value, " \t\v\f") {
		return enginerr.Validation("command", "%s %q is not a single token", field, value)
	}
	return nil
}

// setOption renders the shared "setoption name N value V" command used by UCI and USI.
func setOption(name, value string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", enginerr.Validation("command", "option name is empty")
	}
	if err := checkField("option name", name, "name", "value"); err != nil {
		return "", err
	}
	if err := checkField("option value", value, "name", "value"); err != nil {
		return "", err
	}
	if value == "" {
		return fmt.Sprintf("setoption name %s", name), nil
	}
	return fmt.Sprintf("setoption name %s value %s", name, value), nil
}

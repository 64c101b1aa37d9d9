package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/model"
)

var uciMove = regexp.MustCompile(`^([a-h][1-8][a-h][1-8][qrbn]?|0000)$`)

// UCI speaks the Universal Chess Interface.
type UCI struct{}

var _ ErrorTranslator = UCI{}

func (UCI) Name() string { return model.ProtocolUCI }

func (UCI) HandshakeCommands() []string { return []string{"uci"} }

func (UCI) IsReady(line string) bool { return strings.TrimSpace(line) == "uciok" }

func (UCI) ParseInfo(line string) (model.Info, bool) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 || tokens[0] != "info" {
		return model.Info{}, false
	}
	info := parseInfoTokens(tokens[1:], uciMove.MatchString)
	info.Raw = line
	return info, true
}

func (UCI) ParseResult(line string) (model.Result, bool) {
	return parseBestMove(line)
}

// SearchCommands emits "position fen <position> [moves ...]" followed by a go command.
func (UCI) SearchCommands(opts model.SearchOptions) ([]string, error) {
	position, err := positionCommand("fen", opts)
	if err != nil {
		return nil, err
	}
	return withMultiPV(opts, position, goCommand(opts, "movetime"))
}

func (UCI) StopCommand() string { return "stop" }

func (UCI) OptionCommand(name, value string) (string, error) {
	return setOption(name, value)
}

// TranslateError recognises engine-reported failures.
func (UCI) TranslateError(line string) (enginerr.Kind, bool) {
	l := strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(l, "error"), strings.HasPrefix(l, "Error:"):
		return enginerr.KindEngine, true
	case strings.HasPrefix(l, "info string ERROR"):
		return enginerr.KindEngine, true
	}
	return "", false
}

// positionCommand renders "position <kind> <position> [moves m1 m2 ...]".
func positionCommand(kind string, opts model.SearchOptions) (string, error) {
	if strings.TrimSpace(opts.Position) == "" {
		return "", enginerr.Validation("command", "position is empty")
	}
	if err := checkField("position", opts.Position, "moves", "go", "position"); err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "position %s %s", kind, strings.Join(strings.Fields(opts.Position), " "))
	if len(opts.Moves) > 0 {
		b.WriteString(" moves")
		for _, m := range opts.Moves {
			if err := checkToken("move", m); err != nil {
				return "", err
			}
			b.WriteString(" " + m)
		}
	}
	return b.String(), nil
}

// withMultiPV prefixes cmds with a MultiPV setoption when the search asks for
// more than one principal variation.
func withMultiPV(opts model.SearchOptions, cmds ...string) ([]string, error) {
	if opts.MultiPV <= 0 {
		return cmds, nil
	}
	opt, err := setOption("MultiPV", strconv.Itoa(opts.MultiPV))
	if err != nil {
		return nil, err
	}
	return append([]string{opt}, cmds...), nil
}

// goCommand renders the search limits. timeKeyword names the fixed-time limit
// for the family ("movetime" for UCI, "byoyomi" for USI).
func goCommand(opts model.SearchOptions, timeKeyword string) string {
	parts := []string{"go"}
	if opts.Infinite {
		return "go infinite"
	}
	if opts.Depth > 0 {
		parts = append(parts, fmt.Sprintf("depth %d", opts.Depth))
	}
	if opts.Nodes > 0 {
		parts = append(parts, fmt.Sprintf("nodes %d", opts.Nodes))
	}
	if opts.MoveTime > 0 {
		parts = append(parts, fmt.Sprintf("%s %d", timeKeyword, opts.MoveTime.Milliseconds()))
	}
	if len(parts) == 1 {
		return "go infinite"
	}
	return strings.Join(parts, " ")
}

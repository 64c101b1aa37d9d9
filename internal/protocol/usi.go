package protocol

import (
	"regexp"
	"strings"

	"github.com/seantiz/enginebridge/internal/model"
)

var usiMove = regexp.MustCompile(`^([1-9][a-i][1-9][a-i]\+?|[PLNSGBR]\*[1-9][a-i])$`)

// USI speaks the Universal Shogi Interface.
type USI struct{}

func (USI) Name() string { return model.ProtocolUSI }

func (USI) HandshakeCommands() []string { return []string{"usi"} }

func (USI) IsReady(line string) bool { return strings.TrimSpace(line) == "usiok" }

func (USI) ParseInfo(line string) (model.Info, bool) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 || tokens[0] != "info" {
		return model.Info{}, false
	}
	info := parseInfoTokens(tokens[1:], usiMove.MatchString)
	info.Raw = line
	return info, true
}

func (USI) ParseResult(line string) (model.Result, bool) {
	return parseBestMove(line)
}

// SearchCommands emits "position sfen ..." (or "position startpos") and a go
// command with the fixed-time limit expressed as byoyomi.
func (USI) SearchCommands(opts model.SearchOptions) ([]string, error) {
	var (
		position string
		err      error
	)
	if strings.TrimSpace(opts.Position) == "startpos" {
		position, err = startposCommand(opts.Moves)
	} else {
		position, err = positionCommand("sfen", opts)
	}
	if err != nil {
		return nil, err
	}
	return withMultiPV(opts, position, goCommand(opts, "byoyomi"))
}

func (USI) StopCommand() string { return "stop" }

func (USI) OptionCommand(name, value string) (string, error) {
	return setOption(name, value)
}

func startposCommand(moves []string) (string, error) {
	cmd := "position startpos"
	if len(moves) == 0 {
		return cmd, nil
	}
	for _, m := range moves {
		if err := checkToken("move", m); err != nil {
			return "", err
		}
	}
	return cmd + " moves " + strings.Join(moves, " "), nil
}

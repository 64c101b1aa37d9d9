package protocol

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/seantiz/enginebridge/internal/enginerr"
	"github.com/seantiz/enginebridge/internal/model"
)

// JSON message types.
const (
	jsonTypeHello  = "hello"
	jsonTypeReady  = "ready"
	jsonTypeInfo   = "info"
	jsonTypeResult = "result"
	jsonTypeError  = "error"
	jsonTypeSearch = "search"
	jsonTypeStop   = "stop"
	jsonTypeOption = "option"
)

// JSON speaks a one-object-per-line JSON protocol:
//
//	{"type":"info","depth":12,"score":{"type":"cp","value":31},"pv":["e2e4","e7e5"]}
//	{"type":"result","bestMove":"e2e4","ponder":"e7e5"}
type JSON struct{}

var _ ErrorTranslator = JSON{}

func (JSON) Name() string { return model.ProtocolJSON }

func (JSON) HandshakeCommands() []string {
	return []string{mustMarshal(map[string]any{"type": jsonTypeHello})}
}

func (JSON) IsReady(line string) bool {
	return typeOf(line) == jsonTypeReady
}

func (JSON) ParseInfo(line string) (model.Info, bool) {
	if typeOf(line) != jsonTypeInfo {
		return model.Info{}, false
	}
	r := gjson.Parse(line)
	info := model.Info{
		Depth:    int(r.Get("depth").Int()),
		SelDepth: int(r.Get("seldepth").Int()),
		MultiPV:  int(r.Get("multipv").Int()),
		Nodes:    r.Get("nodes").Int(),
		NPS:      r.Get("nps").Int(),
		TimeMS:   r.Get("time").Int(),
		HashFull: int(r.Get("hashfull").Int()),
		CurrMove: r.Get("currmove").String(),
		Raw:      line,
	}
	if s := r.Get("score"); s.IsObject() {
		v := s.Get("value")
		switch t := s.Get("type").String(); {
		case v.Type != gjson.Number:
		case t == string(model.ScoreCP):
			info.Score = &model.Score{Type: model.ScoreCP, Value: int(v.Int())}
		case t == string(model.ScoreMate):
			info.Score = &model.Score{Type: model.ScoreMate, Value: int(v.Int())}
		}
	}
	r.Get("pv").ForEach(func(_, m gjson.Result) bool {
		// Non-string and empty entries are skipped individually.
		if m.Type == gjson.String && m.String() != "" && !strings.ContainsAny(m.String(), " \t") {
			info.PV = append(info.PV, m.String())
		}
		return true
	})
	return info, true
}

func (JSON) ParseResult(line string) (model.Result, bool) {
	if typeOf(line) != jsonTypeResult {
		return model.Result{}, false
	}
	r := gjson.Parse(line)
	best := r.Get("bestMove")
	if !best.Exists() {
		best = r.Get("best_move")
	}
	if best.String() == "" {
		return model.Result{}, false
	}
	return model.Result{BestMove: best.String(), Ponder: r.Get("ponder").String(), Raw: line}, true
}

func (JSON) SearchCommands(opts model.SearchOptions) ([]string, error) {
	if strings.TrimSpace(opts.Position) == "" {
		return nil, enginerr.Validation("command", "position is empty")
	}
	if err := checkField("position", opts.Position); err != nil {
		return nil, err
	}
	for _, m := range opts.Moves {
		if err := checkToken("move", m); err != nil {
			return nil, err
		}
	}
	cmd := map[string]any{"type": jsonTypeSearch, "position": opts.Position}
	if len(opts.Moves) > 0 {
		cmd["moves"] = opts.Moves
	}
	if opts.Depth > 0 {
		cmd["depth"] = opts.Depth
	}
	if opts.Nodes > 0 {
		cmd["nodes"] = opts.Nodes
	}
	if opts.MoveTime > 0 {
		cmd["movetime"] = opts.MoveTime.Milliseconds()
	}
	if opts.Infinite {
		cmd["infinite"] = true
	}
	if opts.MultiPV > 0 {
		cmd["multipv"] = opts.MultiPV
	}
	return []string{mustMarshal(cmd)}, nil
}

func (JSON) StopCommand() string {
	return mustMarshal(map[string]any{"type": jsonTypeStop})
}

func (JSON) OptionCommand(name, value string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", enginerr.Validation("command", "option name is empty")
	}
	if err := checkField("option name", name); err != nil {
		return "", err
	}
	if err := checkField("option value", value); err != nil {
		return "", err
	}
	return mustMarshal(map[string]any{"type": jsonTypeOption, "name": name, "value": value}), nil
}

func (JSON) TranslateError(line string) (enginerr.Kind, bool) {
	if typeOf(line) != jsonTypeError {
		return "", false
	}
	return enginerr.KindEngine, true
}

func typeOf(line string) string {
	if !gjson.Valid(line) {
		return ""
	}
	return gjson.Get(line, "type").String()
}

// mustMarshal encodes values built from strings, numbers and string slices,
// which cannot fail to marshal.
func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

package protocol

import (
	"strconv"
	"strings"

	"github.com/seantiz/enginebridge/internal/model"
)

// infoKeywords are the tokens that start a field in an "info" line. Unknown
// tokens are skipped; "pv" consumes everything up to the next keyword.
var infoKeywords = map[string]bool{
	"depth": true, "seldepth": true, "multipv": true, "score": true,
	"nodes": true, "nps": true, "time": true, "hashfull": true,
	"currmove": true, "currmovenumber": true, "tbhits": true, "sbhits": true,
	"cpuload": true, "string": true, "pv": true, "refutation": true,
	"currline": true, "lowerbound": true, "upperbound": true,
}

// parseInfoTokens walks the tokens after "info". validMove filters PV entries.
func parseInfoTokens(tokens []string, validMove func(string) bool) model.Info {
	var info model.Info
	for i := 0; i < len(tokens); i++ {
		switch tokens[i] {
		case "depth":
			info.Depth, i = intAt(tokens, i+1, info.Depth), i+1
		case "seldepth":
			info.SelDepth, i = intAt(tokens, i+1, info.SelDepth), i+1
		case "multipv":
			info.MultiPV, i = intAt(tokens, i+1, info.MultiPV), i+1
		case "hashfull":
			info.HashFull, i = intAt(tokens, i+1, info.HashFull), i+1
		case "nodes":
			info.Nodes, i = int64At(tokens, i+1, info.Nodes), i+1
		case "nps":
			info.NPS, i = int64At(tokens, i+1, info.NPS), i+1
		case "time":
			info.TimeMS, i = int64At(tokens, i+1, info.TimeMS), i+1
		case "currmove":
			if i+1 < len(tokens) && validMove(tokens[i+1]) {
				info.CurrMove = tokens[i+1]
			}
			i++
		case "score":
			// score consumes a type token and a numeric token.
			if i+2 < len(tokens) {
				if v, err := strconv.Atoi(tokens[i+2]); err == nil {
					switch tokens[i+1] {
					case "cp":
						info.Score = &model.Score{Type: model.ScoreCP, Value: v}
					case "mate":
						info.Score = &model.Score{Type: model.ScoreMate, Value: v}
					}
				}
			}
			i += 2
		case "string":
			return info
		case "pv":
			j := i + 1
			for ; j < len(tokens) && !infoKeywords[tokens[j]]; j++ {
				if validMove(tokens[j]) {
					info.PV = append(info.PV, tokens[j])
				}
			}
			i = j - 1
		}
	}
	return info
}

func intAt(tokens []string, i, fallback int) int {
	if i >= len(tokens) {
		return fallback
	}
	v, err := strconv.Atoi(tokens[i])
	if err != nil {
		return fallback
	}
	return v
}

func int64At(tokens []string, i int, fallback int64) int64 {
	if i >= len(tokens) {
		return fallback
	}
	v, err := strconv.ParseInt(tokens[i], 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

// parseBestMove handles "bestmove M [ponder M2]" lines shared by UCI and USI.
func parseBestMove(line string) (model.Result, bool) {
	tokens := strings.Fields(line)
	if len(tokens) < 2 || tokens[0] != "bestmove" {
		return model.Result{}, false
	}
	res := model.Result{BestMove: tokens[1], Raw: line}
	for i := 2; i+1 < len(tokens); i++ {
		if tokens[i] == "ponder" {
			res.Ponder = tokens[i+1]
			break
		}
	}
	return res, true
}

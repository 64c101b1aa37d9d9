package middleware

import (
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/seantiz/enginebridge/internal/model"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func appendCmd(tag string) func(Context, []string) ([]string, error) {
	return func(_ Context, cmds []string) ([]string, error) {
		return append(cmds, tag), nil
	}
}

func TestChainOrdersByDescendingPriority(t *testing.T) {
	c := NewChain(
		Middleware{ID: "low", Priority: 1, OnCommand: appendCmd("low")},
		Middleware{ID: "high", Priority: 10, OnCommand: appendCmd("high")},
		Middleware{ID: "mid", Priority: 5, OnCommand: appendCmd("mid")},
	)
	got := c.Commands(discard, Context{EngineID: "sf"}, nil)
	if want := []string{"high", "mid", "low"}; !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestUseReplacesByID(t *testing.T) {
	c := NewChain(Middleware{ID: "a", Priority: 1, OnCommand: appendCmd("old")})
	c.Use(Middleware{ID: "a", Priority: 1, OnCommand: appendCmd("new")})
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
	if got := c.Commands(discard, Context{}, nil); !reflect.DeepEqual(got, []string{"new"}) {
		t.Errorf("got %v", got)
	}
	c.Remove("a")
	if c.Len() != 0 {
		t.Errorf("len after remove = %d", c.Len())
	}
}

func TestFailingMiddlewareIsSkipped(t *testing.T) {
	c := NewChain(
		Middleware{ID: "first", Priority: 3, OnCommand: appendCmd("first")},
		Middleware{ID: "broken", Priority: 2, OnCommand: func(Context, []string) ([]string, error) {
			return []string{"garbage"}, errors.New("boom")
		}},
		Middleware{ID: "panics", Priority: 1, OnCommand: func(Context, []string) ([]string, error) {
			panic("nil map")
		}},
		Middleware{ID: "last", Priority: 0, OnCommand: appendCmd("last")},
	)
	var logs strings.Builder
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	got := c.Commands(logger, Context{EngineID: "sf"}, []string{"go"})
	if want := []string{"go", "first", "last"}; !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if !strings.Contains(logs.String(), "broken") || !strings.Contains(logs.String(), "panics") {
		t.Errorf("failures not logged: %s", logs.String())
	}
}

func TestApplies(t *testing.T) {
	global := Middleware{ID: "g"}
	scoped := Middleware{ID: "s", SupportedEngines: []string{"sf"}}
	if !global.Applies("any") {
		t.Error("global middleware does not apply")
	}
	if !scoped.Applies("sf") || scoped.Applies("yaneuraou") {
		t.Error("scoped middleware applies incorrectly")
	}

	c := NewChain(global, scoped)
	if got := c.For("yaneuraou").Len(); got != 1 {
		t.Errorf("For(yaneuraou).Len = %d, want 1", got)
	}
	if got := c.For("sf").Len(); got != 2 {
		t.Errorf("For(sf).Len = %d, want 2", got)
	}
}

func TestInfoAndResultHooks(t *testing.T) {
	c := NewChain(Middleware{
		ID: "normalize",
		OnInfo: func(_ Context, info model.Info) (model.Info, error) {
			if info.Score != nil {
				s := *info.Score
				s.Value = -s.Value
				info.Score = &s
			}
			return info, nil
		},
		OnResult: func(mc Context, res model.Result) (model.Result, error) {
			res.PositionID = mc.PositionID
			return res, nil
		},
	})
	info := c.Info(discard, Context{}, model.Info{Score: &model.Score{Type: model.ScoreCP, Value: 30}})
	if info.Score.Value != -30 {
		t.Errorf("score = %d", info.Score.Value)
	}
	res := c.Result(discard, Context{PositionID: "P1"}, model.Result{BestMove: "e2e4"})
	if res.PositionID != "P1" {
		t.Errorf("result = %+v", res)
	}
}

func TestNilChain(t *testing.T) {
	var c *Chain
	if got := c.Commands(discard, Context{}, []string{"go"}); !reflect.DeepEqual(got, []string{"go"}) {
		t.Errorf("got %v", got)
	}
}

package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/yungbote/neurobridge-risk/internal/inference/engine"
)

// Engine is a deterministic offline backend. Err, when set, is returned by
// every call so callers can exercise their outage paths.
type Engine struct {
	EmbeddingDims int
	Err           error

	calls atomic.Int64
}

func New() *Engine {
	return &Engine{EmbeddingDims: 8}
}

func (e *Engine) Calls() int64 { return e.calls.Load() }

func (e *Engine) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	e.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Err != nil {
		return nil, e.Err
	}
	out := make([][]float32, len(inputs))
	for i, s := range inputs {
		h := sha256.Sum256([]byte(model + "\n" + s))
		vec := make([]float32, e.EmbeddingDims)
		for j := 0; j < e.EmbeddingDims; j++ {
			u := binary.LittleEndian.Uint32(h[(j*4)%(len(h)-3):])
			vec[j] = float32(u%10_000)/10_000.0 - 0.5
		}
		out[i] = vec
	}
	return out, nil
}

// GenerateText echoes the last user message. With a JSON schema it returns an
// object whose string properties are filled with "mock: <property>".
func (e *Engine) GenerateText(ctx context.Context, model string, messages []engine.Message, opts engine.GenerateOptions) (string, error) {
	e.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if e.Err != nil {
		return "", e.Err
	}

	if opts.JSONSchema != nil {
		obj := map[string]any{}
		props, _ := opts.JSONSchema.Schema["properties"].(map[string]any)
		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			spec, _ := props[k].(map[string]any)
			switch spec["type"] {
			case "array":
				obj[k] = []string{"mock: " + k}
			default:
				obj[k] = "mock: " + k
			}
		}
		if len(obj) == 0 {
			obj["ok"] = true
		}
		b, _ := json.Marshal(obj)
		return string(b), nil
	}

	var user string
	for i := len(messages) - 1; i >= 0; i-- {
		if strings.EqualFold(messages[i].Role, "user") {
			user = messages[i].Content
			break
		}
	}
	if strings.TrimSpace(user) == "" {
		return "mock: ok", nil
	}
	return fmt.Sprintf("mock: %s", user), nil
}

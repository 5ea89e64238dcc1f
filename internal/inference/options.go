package inference

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Task selects between same-language transcription and translation to
// English.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// ParseTask maps a selector value to a Task; anything unrecognised is
// TaskTranscribe.
func ParseTask(value string) Task {
	if Task(strings.ToLower(strings.TrimSpace(value))) == TaskTranslate {
		return TaskTranslate
	}
	return TaskTranscribe
}

const (
	ChunkLengthSeconds = 30
	DefaultTemperature = 0.6
	DefaultTopP        = 1.0
	MinNewTokens       = 1
	MaxNewTokens       = 448
	MinRepetition      = 1.0
)

// Options is the fully typed option record of one pipeline call. Optional
// fields are nil when absent and the pipeline falls back to its own default.
type Options struct {
	ChunkLengthSeconds int      `json:"chunk_length_s"`
	ReturnTimestamps   bool     `json:"return_timestamps"`
	Language           *string  `json:"language,omitempty"`
	Task               Task     `json:"task"`
	Temperature        float64  `json:"temperature"`
	TopP               float64  `json:"top_p"`
	TopK               *int     `json:"top_k,omitempty"`
	MaxNewTokens       *int     `json:"max_new_tokens,omitempty"`
	RepetitionPenalty  *float64 `json:"repetition_penalty,omitempty"`
}

// Value is a raw form value. It unmarshals from a JSON string, number or
// null so API clients may send either.
type Value string

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Value(s)
		return nil
	}
	*v = Value(data)
	return nil
}

// Params are the generation controls exactly as the user entered them.
type Params struct {
	Language          Value `json:"language"`
	Task              Value `json:"task"`
	Temperature       Value `json:"temperature"`
	TopP              Value `json:"top_p"`
	TopK              Value `json:"top_k"`
	MaxNewTokens      Value `json:"max_new_tokens"`
	RepetitionPenalty Value `json:"repetition_penalty"`
}

// IsEnglishOnly reports whether modelID names an English-only variant:
// either a ".en-" infix (whisper-tiny.en-ONNX) or a ".en"/"-en" suffix on the
// last path segment (whisper-small-en).
func IsEnglishOnly(modelID string) bool {
	id := strings.ToLower(strings.TrimSpace(modelID))
	if strings.Contains(id, ".en-") {
		return true
	}
	if i := strings.LastIndex(id, "/"); i >= 0 {
		id = id[i+1:]
	}
	return strings.HasSuffix(id, ".en") || strings.HasSuffix(id, "-en")
}

// Build turns raw params into Options for modelID. It never fails:
// unparseable values fall back to defaults or are omitted.
func Build(p Params, modelID string) Options {
	opts := Options{
		ChunkLengthSeconds: ChunkLengthSeconds,
		ReturnTimestamps:   false,
		Task:               TaskTranscribe,
	}

	if IsEnglishOnly(modelID) {
		en := "en"
		opts.Language = &en
	} else if lang := strings.TrimSpace(string(p.Language)); lang != "" {
		opts.Language = &lang
	}

	opts.Task = ParseTask(string(p.Task))

	opts.Temperature = DefaultTemperature
	if t, ok := parseFloat(p.Temperature); ok {
		opts.Temperature = t
	}

	opts.TopP = DefaultTopP
	if tp, ok := parseFloat(p.TopP); ok {
		opts.TopP = tp
	}

	if tk, ok := parseInt(p.TopK); ok && tk > 0 {
		opts.TopK = &tk
	}

	if mt, ok := parseInt(p.MaxNewTokens); ok {
		mt = min(max(mt, MinNewTokens), MaxNewTokens)
		opts.MaxNewTokens = &mt
	}

	if rp, ok := parseFloat(p.RepetitionPenalty); ok {
		rp = math.Max(rp, MinRepetition)
		opts.RepetitionPenalty = &rp
	}

	return opts
}

var (
	floatPrefix = regexp.MustCompile(`^[+-]?(Infinity|\d+\.?\d*(?:[eE][+-]?\d+)?|\.\d+(?:[eE][+-]?\d+)?)`)
	intPrefix   = regexp.MustCompile(`^[+-]?(?:0[xX][0-9a-fA-F]+|\d+)`)
)

// parseFloat reads the longest leading decimal number of v, so "5px" is 5.
// Non-finite results are rejected.
func parseFloat(v Value) (float64, bool) {
	m := floatPrefix.FindString(strings.TrimSpace(string(v)))
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.Replace(m, "Infinity", "Inf", 1), 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// parseInt reads the leading integer of v: "12.7" is 12, "1e3" is 1 and a
// 0x prefix selects hex. Values outside int32 saturate.
func parseInt(v Value) (int, bool) {
	m := intPrefix.FindString(strings.TrimSpace(string(v)))
	if m == "" {
		return 0, false
	}
	neg := strings.HasPrefix(m, "-")
	digits := strings.TrimLeft(m, "+-")
	base := 10
	if len(digits) > 2 && (digits[1] == 'x' || digits[1] == 'X') {
		base, digits = 16, digits[2:]
	}
	n, err := strconv.ParseInt(digits, base, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return 0, false
	}
	if errors.Is(err, strconv.ErrRange) || n > math.MaxInt32 {
		n = math.MaxInt32 + 1
	}
	if neg {
		n = -n
	}
	return int(max(min(n, math.MaxInt32), math.MinInt32)), true
}

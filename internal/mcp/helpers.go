package mcp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// decodeArgs decodes loose tool arguments into out. Numbers arriving as
// strings and the like are coerced.
func decodeArgs(args map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("create argument decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// onLoop runs fn on the loop and returns its result.
func onLoop[T any](ctx context.Context, run Runner, fn func() (T, error)) (T, error) {
	var (
		out    T
		runErr error
	)
	if err := run.Do(ctx, func() { out, runErr = fn() }); err != nil {
		var zero T
		return zero, err
	}
	return out, runErr
}

func limitOf(n, fallback, ceiling int) int {
	if n <= 0 {
		return fallback
	}
	if n > ceiling {
		return ceiling
	}
	return n
}

// argString flattens a URI template argument, which may arrive as a list.
func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asInt(v any) int {
	s := strings.TrimSpace(argString(v))
	if s == "" {
		return 0
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

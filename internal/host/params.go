package host

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var ErrMissingParam = errors.New("host: missing parameter")

// params reads a request's JSON object. Numbers arrive as float64.
type params map[string]any

func (p params) str(key string) (string, error) {
	v, ok := p[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingParam, key)
	}
	return v, nil
}

func (p params) optStr(key string) string {
	v, _ := p[key].(string)
	return v
}

func (p params) id(key string) (uuid.UUID, error) {
	raw, err := p.str(key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("host: %s: %w", key, err)
	}
	return id, nil
}

func (p params) ids(key string) ([]uuid.UUID, error) {
	raw, ok := p[key].([]any)
	if !ok {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(raw))
	for _, v := range raw {
		s, _ := v.(string)
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("host: %s: %w", key, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func (p params) strs(key string) []string {
	raw, _ := p[key].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p params) int(key string, def int) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func (p params) object(key string) params {
	m, _ := p[key].(map[string]any)
	return params(m)
}

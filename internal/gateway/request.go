package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/poslink/terminal-bridge/internal/config"
)

// body is a decoded request body. POS clients send fields either at the
// top level or nested under the command name; merged flattens the two
// with the nested shape winning.
type body map[string]interface{}

func decodeBody(r *http.Request) (body, error) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return body{}, nil
	}

	var b body
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	return b, nil
}

// merged flattens the optional nested section over the top level.
// Nested fields override top-level fields of the same name.
func (b body) merged(section string) body {
	out := make(body, len(b))
	for k, v := range b {
		if k == section {
			continue
		}
		out[k] = v
	}
	nested, ok := b[section].(map[string]interface{})
	if !ok {
		return out
	}
	for k, v := range nested {
		out[k] = v
	}
	return out
}

func (b body) str(key string) string {
	switch v := b[key].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func (b body) object(key string) map[string]interface{} {
	m, _ := b[key].(map[string]interface{})
	return m
}

func (b body) has(key string) bool {
	_, ok := b[key]
	return ok
}

// flag normalizes 0|1 fields that may arrive as number, string or bool.
func (b body) flag(key string) string {
	switch v := b[key].(type) {
	case bool:
		if v {
			return "1"
		}
		return "0"
	case float64:
		if v != 0 {
			return "1"
		}
		return "0"
	case string:
		if v == "1" || v == "true" {
			return "1"
		}
		return "0"
	}
	return "0"
}

// target resolves the terminal address and ECR identity for a request:
// merged body fields first, then the process-wide defaults.
func (b body) target(defaults config.Agent) (addr, ecrID string) {
	ip := b.str("ip")
	if ip == "" {
		ip = defaults.TerminalIP
	}
	port := 0
	if v := b.str("port"); v != "" {
		port, _ = strconv.Atoi(v)
	}
	if port == 0 {
		port = defaults.TerminalPort
	}
	ecrID = b.str("ecrId")
	if ecrID == "" {
		ecrID = defaults.EcrID
	}
	return fmt.Sprintf("%s:%d", ip, port), ecrID
}

// queryTarget resolves the terminal address from query parameters for
// the GET probes.
func queryTarget(r *http.Request, defaults config.Agent) (addr, ecrID string) {
	ip := r.URL.Query().Get("ip")
	if ip == "" {
		ip = defaults.TerminalIP
	}
	port := defaults.TerminalPort
	if v := r.URL.Query().Get("port"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			port = n
		}
	}
	ecrID = r.URL.Query().Get("ecrId")
	if ecrID == "" {
		ecrID = defaults.EcrID
	}
	return fmt.Sprintf("%s:%d", ip, port), ecrID
}

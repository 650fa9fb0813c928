package emulator

import (
	"github.com/shopspring/decimal"

	"github.com/poslink/terminal-bridge/internal/wire"
)

// request is one decoded inbound command with its payload flattened for
// lookup. Payload fields may live at data.data, data.data.params or
// data.data.transaction; lookups check all three.
type request struct {
	Command   string
	EcrID     string
	RequestID string

	payload     map[string]interface{}
	params      map[string]interface{}
	transaction map[string]interface{}
	lodging     map[string]interface{}
}

func newRequest(frame *wire.Response) *request {
	r := &request{}
	if frame.Data == nil {
		return r
	}
	r.Command, _ = frame.Data["command"].(string)
	r.EcrID, _ = frame.Data["EcrId"].(string)
	r.RequestID, _ = frame.Data["requestId"].(string)

	r.payload, _ = frame.Data["data"].(map[string]interface{})
	if r.payload != nil {
		r.params, _ = r.payload["params"].(map[string]interface{})
		r.transaction, _ = r.payload["transaction"].(map[string]interface{})
		r.lodging, _ = r.payload["lodging"].(map[string]interface{})
	}
	return r
}

// str returns the first non-empty string value found for any of keys,
// searching transaction, then params, then the payload root.
func (r *request) str(keys ...string) string {
	for _, scope := range []map[string]interface{}{r.transaction, r.params, r.payload} {
		if scope == nil {
			continue
		}
		for _, k := range keys {
			if v, ok := scope[k]; ok {
				if s := stringify(v); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

// amount returns the first amount found for any of keys as a decimal,
// or (zero, false) when absent or unparsable.
func (r *request) amount(keys ...string) (decimal.Decimal, bool) {
	s := r.str(keys...)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return decimal.NewFromFloat(t).String()
	case int:
		return decimal.NewFromInt(int64(t)).String()
	}
	return ""
}

// success builds a final MSG response echoing the request identity.
func (r *request) success(label string, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"cmdResult": map[string]interface{}{"result": "Success"},
		"EcrId":     r.EcrID,
		"requestId": r.RequestID,
		"response":  label,
	}
	for k, v := range extra {
		data[k] = v
	}
	return map[string]interface{}{"message": wire.MsgMSG, "data": data}
}

// failed builds a final MSG response with a Failed cmdResult.
func (r *request) failed(label, code, message string) map[string]interface{} {
	return map[string]interface{}{
		"message": wire.MsgMSG,
		"data": map[string]interface{}{
			"cmdResult": map[string]interface{}{
				"result":       "Failed",
				"errorCode":    code,
				"errorMessage": message,
			},
			"EcrId":     r.EcrID,
			"requestId": r.RequestID,
			"response":  label,
		},
	}
}

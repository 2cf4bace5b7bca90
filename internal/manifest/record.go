package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags an artifact, and the records decoded from it.
type Kind int

const (
	KindOutput Kind = iota + 1
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindOutput:
		return "output"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var ErrMalformedLine = errors.New("malformed artifact line")

const maxSummaryLen = 500

type Usage struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
}

// Record is one decoded artifact line. Kind is KindOutput only for a
// successful result; anything else read from an output artifact (a non-null
// error, or a status code of 400 or above) comes back as KindError.
type Record struct {
	Kind              Kind
	CustomID          string
	ResponseBody      json.RawMessage
	StatusCode        *int
	ProviderRequestID *string
	Usage             Usage
	Error             json.RawMessage
}

type rawLine struct {
	ID       string          `json:"id"`
	CustomID string          `json:"custom_id"`
	Response *rawResponse    `json:"response"`
	Error    json.RawMessage `json:"error"`
}

type rawResponse struct {
	StatusCode *int            `json:"status_code"`
	RequestID  *string         `json:"request_id"`
	Body       json.RawMessage `json:"body"`
}

// ParseLine decodes one line read from an artifact of the given kind.
func ParseLine(kind Kind, line []byte) (Record, error) {
	var raw rawLine
	if err := json.Unmarshal(line, &raw); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	if raw.CustomID == "" {
		return Record{}, fmt.Errorf("%w: missing custom_id", ErrMalformedLine)
	}

	rec := Record{CustomID: raw.CustomID}
	var body json.RawMessage
	if raw.Response != nil {
		rec.StatusCode = raw.Response.StatusCode
		rec.ProviderRequestID = raw.Response.RequestID
		body = present(raw.Response.Body)
	}
	errPayload := present(raw.Error)

	succeeded := kind == KindOutput &&
		errPayload == nil &&
		body != nil &&
		(rec.StatusCode == nil || *rec.StatusCode < 400)

	if succeeded {
		rec.Kind = KindOutput
		rec.ResponseBody = body
		var withUsage struct {
			Usage Usage `json:"usage"`
		}
		// A body that is not an object simply carries no usage numbers.
		_ = json.Unmarshal(body, &withUsage)
		rec.Usage = withUsage.Usage
		return rec, nil
	}

	rec.Kind = KindError
	switch {
	case errPayload != nil:
		rec.Error = errPayload
	case body != nil:
		rec.Error = nestedError(body)
	default:
		return Record{}, fmt.Errorf("%w: custom_id %q carries neither response nor error", ErrMalformedLine, raw.CustomID)
	}
	return rec, nil
}

// ErrorSummary renders the error payload as "code: message" where possible.
func (r Record) ErrorSummary() string {
	if len(r.Error) == 0 {
		return ""
	}
	var e struct {
		Code    any    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(r.Error, &e); err == nil && e.Message != "" {
		if e.Code != nil && fmt.Sprint(e.Code) != "" {
			return truncate(fmt.Sprintf("%v: %s", e.Code, e.Message))
		}
		return truncate(e.Message)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, r.Error); err != nil {
		return truncate(string(r.Error))
	}
	return truncate(compact.String())
}

// nestedError pulls {"error": {...}} out of a failed response body, falling
// back to the whole body.
func nestedError(body json.RawMessage) json.RawMessage {
	var wrapper struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil {
		if e := present(wrapper.Error); e != nil {
			return e
		}
	}
	return body
}

// present returns nil for an absent or JSON null value.
func present(v json.RawMessage) json.RawMessage {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return nil
	}
	return v
}

func truncate(s string) string {
	if len(s) <= maxSummaryLen {
		return s
	}
	return s[:maxSummaryLen]
}

// Package manifest encodes requests into the JSONL manifest uploaded to the
// provider and decodes the output and error artifacts it returns.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/batchpilot/pkg/models"
)

var ErrMalformedRequest = errors.New("malformed request")

// Line is one manifest record.
type Line struct {
	CustomID string          `json:"custom_id"`
	Method   string          `json:"method"`
	URL      string          `json:"url"`
	Body     json.RawMessage `json:"body"`
}

// Build renders reqs as JSONL in the order given. Every request must target
// the same url, since a remote batch runs a single endpoint. The first
// invalid request aborts the build; no partial manifest is returned.
func Build(reqs []*models.Request) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for _, r := range reqs {
		if err := validate(r); err != nil {
			return nil, err
		}
		if r.URL != reqs[0].URL {
			return nil, fmt.Errorf("%w: custom_id %q: url %q differs from %q",
				ErrMalformedRequest, r.CustomID, r.URL, reqs[0].URL)
		}
		method := r.Method
		if method == "" {
			method = models.DefaultRequestMethod
		}
		// Encode appends the trailing newline.
		if err := enc.Encode(Line{
			CustomID: r.CustomID,
			Method:   method,
			URL:      r.URL,
			Body:     r.Body,
		}); err != nil {
			return nil, fmt.Errorf("%w: custom_id %q: %v", ErrMalformedRequest, r.CustomID, err)
		}
	}
	return buf.Bytes(), nil
}

func validate(r *models.Request) error {
	if r.CustomID == "" {
		return fmt.Errorf("%w: empty custom_id", ErrMalformedRequest)
	}
	if r.URL == "" {
		return fmt.Errorf("%w: custom_id %q: empty url", ErrMalformedRequest, r.CustomID)
	}
	body := bytes.TrimSpace(r.Body)
	if len(body) == 0 || body[0] != '{' || !json.Valid(body) {
		return fmt.Errorf("%w: custom_id %q: body is not a JSON object", ErrMalformedRequest, r.CustomID)
	}
	return nil
}

// Scan calls fn for every non-blank line of an artifact, in file order.
// lineNo is 1-based and counts blank lines. Scanning stops at the first
// error returned by fn.
func Scan(data []byte, fn func(lineNo int, line []byte) error) error {
	lineNo := 0
	for len(data) > 0 {
		var line []byte
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			line, data = data, nil
		}
		lineNo++

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := fn(lineNo, line); err != nil {
			return err
		}
	}
	return nil
}

package httpapi

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"github.com/zeebo/errs"
)

// Error is the httpapi error class.
var Error = errs.Class("httpapi")

// callbackSchema validates wallet-connect callback bodies before any field is
// trusted. The body is advisory only; it never carries state the poller does
// not re-verify against the provider.
const callbackSchema = `{
  "type": "object",
  "required": ["intentId"],
  "additionalProperties": false,
  "properties": {
    "intentId": {
      "type": "string",
      "minLength": 36,
      "maxLength": 36
    },
    "provider": {
      "type": "string"
    },
    "txReference": {
      "type": "string",
      "maxLength": 128
    }
  }
}`

var callbackSchemaLoader = gojsonschema.NewStringLoader(callbackSchema)

type callbackPayload struct {
	IntentID    string `json:"intentId"`
	Provider    string `json:"provider"`
	TxReference string `json:"txReference"`
}

// validateCallback reads, schema-validates and decodes a callback body.
func validateCallback(body io.Reader) (callbackPayload, error) {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return callbackPayload{}, Error.Wrap(err)
	}

	result, err := gojsonschema.Validate(callbackSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return callbackPayload{}, Error.New("malformed callback body")
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return callbackPayload{}, Error.New("invalid callback body: %s", strings.Join(details, "; "))
	}

	var payload callbackPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return callbackPayload{}, Error.Wrap(err)
	}
	return payload, nil
}

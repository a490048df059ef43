package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/xeipuuv/gojsonschema"

	x402 "github.com/x402-foundation/x402-lightning"
)

// Base64 regex pattern - requires at least one character
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// ValidateAndDecodePaymentHeader validates and decodes a base64 X-PAYMENT
// header into a PaymentPayload.
func ValidateAndDecodePaymentHeader(paymentHeader string) (*x402.PaymentPayload, error) {
	if paymentHeader == "" {
		return nil, fmt.Errorf("payment header is empty")
	}

	if !base64Regex.MatchString(paymentHeader) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64")
	}

	decoded, err := base64.StdEncoding.DecodeString(paymentHeader)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}

	if err := validateDocument(paymentPayloadSchema, decoded); err != nil {
		return nil, err
	}

	var payload x402.PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("invalid payment header format: %v", err)
	}
	return &payload, nil
}

// JSON schemas for the facilitator's wire types. Requests failing schema
// validation are rejected before they reach the engine.
const paymentPayloadSchemaJSON = `{
	"type": "object",
	"required": ["x402Version", "scheme", "network", "payload"],
	"properties": {
		"x402Version": {"type": "integer"},
		"scheme": {"type": "string"},
		"network": {"type": "string"},
		"payload": {
			"type": "object",
			"required": ["bolt11"],
			"properties": {
				"bolt11": {"type": "string"},
				"invoiceId": {"type": "string"}
			}
		}
	}
}`

const paymentRequirementsSchemaJSON = `{
	"type": "object",
	"required": ["scheme", "network", "maxAmountRequired", "asset", "payTo", "resource", "maxTimeoutSeconds"],
	"properties": {
		"scheme": {"type": "string"},
		"network": {"type": "string"},
		"maxAmountRequired": {"type": "string"},
		"asset": {"type": "string"},
		"payTo": {"type": "string"},
		"resource": {"type": "string"},
		"description": {"type": "string"},
		"mimeType": {"type": "string"},
		"maxTimeoutSeconds": {"type": "integer"},
		"extra": {"type": "object"}
	}
}`

var requestSchemaJSON = fmt.Sprintf(`{
	"type": "object",
	"required": ["paymentPayload", "paymentRequirements"],
	"properties": {
		"paymentPayload": %s,
		"paymentRequirements": %s
	}
}`, paymentPayloadSchemaJSON, paymentRequirementsSchemaJSON)

var (
	paymentPayloadSchema = mustCompileSchema(paymentPayloadSchemaJSON)
	requestSchema        = mustCompileSchema(requestSchemaJSON)
)

func mustCompileSchema(doc string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded schema: %v", err))
	}
	return schema
}

func validateDocument(schema *gojsonschema.Schema, doc []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("request is not valid JSON: %v", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("request validation failed: %s", errs[0].String())
		}
		return fmt.Errorf("request validation failed")
	}
	return nil
}

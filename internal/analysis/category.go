package analysis

import (
	"fmt"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Category selects the extraction prompt and the advisory schema for the
// model output. The set is closed; anything else maps to CategoryGeneral.
type Category string

const (
	CategoryGeneral  Category = "general"
	CategoryInvoice  Category = "invoice"
	CategoryContract Category = "contract"
	CategoryForm     Category = "form"
)

// ParseCategory maps free-form input onto the closed set. Unknown or empty
// values fall back to general analysis rather than failing the request.
func ParseCategory(s string) Category {
	switch Category(s) {
	case CategoryInvoice, CategoryContract, CategoryForm:
		return Category(s)
	default:
		return CategoryGeneral
	}
}

// maxPromptChars bounds how much document text goes into the prompt.
const maxPromptChars = 4000

const basePromptFormat = `Analyze the following document text and extract structured information.
Return your response as valid JSON only, with no additional text.

Document text:
%s

`

var categoryPrompts = map[Category]string{
	CategoryGeneral: `
Provide a JSON response with:
{
  "summary": "Brief 2-3 sentence summary",
  "key_points": ["point1", "point2", "point3"],
  "document_type": "detected type (e.g., letter, report, form)",
  "entities": {
    "people": [],
    "organizations": [],
    "dates": [],
    "locations": []
  }
}`,
	CategoryInvoice: `
Extract invoice information as JSON:
{
  "vendor": "Company name",
  "invoice_number": "INV-123",
  "date": "YYYY-MM-DD",
  "due_date": "YYYY-MM-DD",
  "total_amount": "123.45",
  "currency": "USD",
  "line_items": [
    {"description": "Item", "quantity": 1, "unit_price": "10.00", "total": "10.00"}
  ],
  "tax": "0.00",
  "subtotal": "123.45"
}`,
	CategoryContract: `
Extract contract information as JSON:
{
  "contract_type": "Type of agreement",
  "parties": ["Party A", "Party B"],
  "effective_date": "YYYY-MM-DD",
  "expiration_date": "YYYY-MM-DD",
  "key_terms": [
    {"term": "Payment terms", "details": "Net 30"},
    {"term": "Termination", "details": "30 days notice"}
  ],
  "obligations": {
    "party_a": ["obligation1", "obligation2"],
    "party_b": ["obligation1", "obligation2"]
  },
  "important_clauses": ["clause1", "clause2"]
}`,
	CategoryForm: `
Extract form fields as JSON:
{
  "form_type": "Type of form",
  "fields": [
    {"label": "Name", "value": "John Doe"},
    {"label": "Date", "value": "2024-01-01"},
    {"label": "Signature", "value": "Present/Absent"}
  ],
  "checkboxes": [
    {"label": "Option A", "checked": true},
    {"label": "Option B", "checked": false}
  ],
  "completeness": "Complete/Incomplete/Partially Complete"
}`,
}

// buildPrompt assembles the full prompt for a category, truncating the
// document text to keep the request inside the model's input budget. The
// cut lands on a rune boundary so a multibyte character is never split.
func buildPrompt(text string, category Category) string {
	if len(text) > maxPromptChars {
		cut := maxPromptChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return fmt.Sprintf(basePromptFormat, text) + categoryPrompts[category]
}

// categorySchemas describe the shape each category's output is expected
// to have. They are advisory: a mismatch is logged so prompt drift shows
// up in operations, but any parseable JSON object is still accepted.
var categorySchemas = map[Category]string{
	CategoryGeneral: `{
		"type": "object",
		"required": ["summary", "key_points", "document_type"],
		"properties": {
			"summary": {"type": "string"},
			"key_points": {"type": "array", "items": {"type": "string"}},
			"document_type": {"type": "string"},
			"entities": {"type": "object"}
		}
	}`,
	CategoryInvoice: `{
		"type": "object",
		"required": ["vendor", "invoice_number", "total_amount"],
		"properties": {
			"vendor": {"type": "string"},
			"invoice_number": {"type": "string"},
			"total_amount": {"type": "string"},
			"line_items": {"type": "array"}
		}
	}`,
	CategoryContract: `{
		"type": "object",
		"required": ["contract_type", "parties"],
		"properties": {
			"contract_type": {"type": "string"},
			"parties": {"type": "array", "items": {"type": "string"}},
			"key_terms": {"type": "array"}
		}
	}`,
	CategoryForm: `{
		"type": "object",
		"required": ["form_type", "fields"],
		"properties": {
			"form_type": {"type": "string"},
			"fields": {"type": "array"},
			"checkboxes": {"type": "array"}
		}
	}`,
}

var compiledSchemas = func() map[Category]*jsonschema.Schema {
	out := make(map[Category]*jsonschema.Schema, len(categorySchemas))
	for cat, raw := range categorySchemas {
		out[cat] = jsonschema.MustCompileString(string(cat)+".json", raw)
	}
	return out
}()

package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Document is a decoded resource body. Numbers are kept as json.Number so
// decimal precision survives indexing.
type Document map[string]interface{}

// ResourceType returns the document's declared resourceType.
func (d Document) ResourceType() string {
	rt, _ := d["resourceType"].(string)
	return rt
}

// ID returns the document's logical id, if any.
func (d Document) ID() string {
	id, _ := d["id"].(string)
	return id
}

// Decode parses a resource body into a Document.
func Decode(raw []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	doc, ok := v.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("resource must be a JSON object")
	}
	return Document(doc), nil
}

// Validate decodes raw and checks it is a resource of a declared type.
// When expectedType is not empty the document must carry that type.
func (r *Registry) Validate(raw []byte, expectedType string) (Document, error) {
	doc, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	rt := doc.ResourceType()
	if rt == "" {
		return nil, fmt.Errorf("resource is missing resourceType")
	}
	if expectedType != "" && rt != expectedType {
		return nil, fmt.Errorf("resourceType %q does not match %q", rt, expectedType)
	}
	if !r.HasResource(rt) {
		return nil, fmt.Errorf("unsupported resource type %q", rt)
	}
	return doc, nil
}

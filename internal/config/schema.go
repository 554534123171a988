package config

import (
	"embed"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed schema/*.json
var schemas embed.FS

func validateDocument(schemaName string, doc gojsonschema.JSONLoader, code ErrorCode, what string) error {
	raw, err := schemas.ReadFile("schema/" + schemaName)
	if err != nil {
		return fmt.Errorf("read schema %s: %w", schemaName, err)
	}
	res, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(raw), doc)
	if err != nil {
		return &Error{Code: code, Msg: fmt.Sprintf("%s is not valid JSON: %v", what, err)}
	}
	if res.Valid() {
		return nil
	}
	items := make([]ValidationErrorItem, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		path := e.Field()
		if path == "(root)" {
			path = "$"
		}
		items = append(items, ValidationErrorItem{
			Path:    path,
			Message: e.Description(),
			Value:   e.Value(),
		})
	}
	return &Error{Code: code, Msg: "invalid " + what, Errors: items}
}

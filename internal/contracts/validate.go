// Package contracts holds the JSON Schema contracts shared by the provider
// adapters, the validator, and the canon store, plus helpers to validate
// arbitrary values against them.
package contracts

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Result is the outcome of a schema validation.
type Result struct {
	OK     bool
	Errors []string
}

var (
	compileOnce      sync.Once
	turnOutputSchema *gojsonschema.Schema
	promptPackSchema *gojsonschema.Schema
	canonSchema      *gojsonschema.Schema
	compileErr       error
)

func compile() {
	compileOnce.Do(func() {
		var err error
		if turnOutputSchema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(turnOutputSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("compile turn_output schema: %w", err)
			return
		}
		if promptPackSchema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(promptPackSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("compile prompt_pack schema: %w", err)
			return
		}
		if canonSchema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(canonSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("compile canon schema: %w", err)
		}
	})
}

// TurnOutputSchemaJSON returns the raw TurnOutput schema for providers that
// pass it to the model as a structured-output constraint.
func TurnOutputSchemaJSON() string { return turnOutputSchemaJSON }

// PromptPackSchemaJSON returns the raw PromptPack schema.
func PromptPackSchemaJSON() string { return promptPackSchemaJSON }

// ValidateTurnOutput validates v against the TurnOutput contract.
func ValidateTurnOutput(v any) Result { return validate(turnOutput(), v) }

// ValidatePromptPack validates v against the PromptPack contract.
func ValidatePromptPack(v any) Result { return validate(promptPack(), v) }

// ValidateCanon validates v against the full (final) Canon contract.
func ValidateCanon(v any) Result { return validate(canon(), v) }

func turnOutput() *gojsonschema.Schema { compile(); return turnOutputSchema }
func promptPack() *gojsonschema.Schema { compile(); return promptPackSchema }
func canon() *gojsonschema.Schema      { compile(); return canonSchema }

func validate(schema *gojsonschema.Schema, v any) Result {
	if compileErr != nil {
		return Result{Errors: []string{compileErr.Error()}}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Result{Errors: []string{fmt.Sprintf("marshal value: %v", err)}}
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Result{Errors: []string{fmt.Sprintf("schema validation: %v", err)}}
	}
	if res.Valid() {
		return Result{OK: true}
	}
	errs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		errs = append(errs, e.String())
	}
	return Result{Errors: errs}
}

package atomicstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator compiles a JSON Schema document and returns a Validator
// that checks raw file contents against it.
func SchemaValidator(url, source string) (Validator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", url, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", url, err)
	}

	return func(data []byte) error {
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		if err := schema.Validate(doc); err != nil {
			return flattenSchemaError(err)
		}
		return nil
	}, nil
}

// MustSchemaValidator is like SchemaValidator but panics on an invalid
// schema. It is meant for schemas embedded at build time.
func MustSchemaValidator(url, source string) Validator {
	v, err := SchemaValidator(url, source)
	if err != nil {
		panic(err)
	}
	return v
}

// flattenSchemaError turns a jsonschema validation tree into one error per leaf.
func flattenSchemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}

	var errs []error
	collectSchemaErrors(ve, &errs)
	if len(errs) == 0 {
		return err
	}
	return errors.Join(errs...)
}

func collectSchemaErrors(ve *jsonschema.ValidationError, errs *[]error) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*errs = append(*errs, fmt.Errorf("%s: %s", loc, ve.Message))
		return
	}
	for _, cause := range ve.Causes {
		collectSchemaErrors(cause, errs)
	}
}

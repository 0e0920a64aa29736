package board

import (
	_ "embed"

	"github.com/dyluth/burrow/pkg/atomicstore"
)

//go:embed tasks.schema.json
var taskSchema string

// ValidateDocument checks raw board file contents against the embedded task
// schema. Every board read runs it before decoding.
var ValidateDocument = atomicstore.MustSchemaValidator(
	"https://github.com/dyluth/burrow/schemas/tasks.schema.json", taskSchema)

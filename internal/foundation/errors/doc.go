// Package errors provides classified error handling for chengis.
//
// Every failure that crosses a component boundary is a ClassifiedError
// carrying a category (validation, git, step, dispatch, state, ...),
// a severity, a retry strategy, and structured context. The CLI and HTTP
// adapters translate classifications into exit codes and status codes so
// that call sites never switch on error strings.
package errors

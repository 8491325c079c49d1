// Command planlint runs static analysis on plan builder usage.
//
// Usage:
//
//	planlint ./...
//
// See pkg/plan/lint for the checks.
package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"github.com/example/epicflow/pkg/plan/lint"
)

func main() {
	singlechecker.Main(lint.Analyzer)
}

// Package lint provides static analysis checks for the plan builder.
//
// The analyzer reports builder calls that panic or do nothing at runtime:
//   - empty ref literals passed to Subtask() or Needs()
//   - Needs() or Requires() called with no arguments
//   - duplicate literal dependencies or capabilities in one call
//   - a subtask that Needs() its own ref
//
// Usage:
//
//	go install github.com/example/epicflow/cmd/planlint@latest
//	planlint ./...
package lint

import (
	"go/ast"
	"go/token"
	"go/types"
	"strconv"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

// Analyzer is the plan lint analyzer.
var Analyzer = &analysis.Analyzer{
	Name:     "planlint",
	Doc:      "checks for plan builder calls that panic or do nothing",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

// builderPackage is the name of the package whose calls are checked.
const builderPackage = "plan"

func run(pass *analysis.Pass) (interface{}, error) {
	inspect := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	nodeFilter := []ast.Node{(*ast.CallExpr)(nil)}
	inspect.Preorder(nodeFilter, func(n ast.Node) {
		call := n.(*ast.CallExpr)
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok || !fromBuilderPackage(pass, sel) {
			return
		}

		switch sel.Sel.Name {
		case "Subtask":
			checkEmptyRef(pass, call, "Subtask")
		case "Needs":
			checkEmptyRef(pass, call, "Needs")
			checkArgs(pass, call, "Needs", "dependency")
			checkSelfDependency(pass, call, sel)
		case "Requires":
			checkArgs(pass, call, "Requires", "capability")
		}
	})

	return nil, nil
}

// fromBuilderPackage reports whether sel is a function or method of the
// plan package.
func fromBuilderPackage(pass *analysis.Pass, sel *ast.SelectorExpr) bool {
	obj := pass.TypesInfo.Uses[sel.Sel]
	if obj == nil {
		return false
	}
	fn, ok := obj.(*types.Func)
	if !ok || fn.Pkg() == nil {
		return false
	}
	return fn.Pkg().Name() == builderPackage
}

func checkEmptyRef(pass *analysis.Pass, call *ast.CallExpr, funcName string) {
	for _, arg := range call.Args {
		if s, ok := stringLit(arg); ok && s == "" {
			pass.Reportf(arg.Pos(), "%s called with empty ref literal - will panic at runtime", funcName)
		}
	}
}

// checkArgs reports empty argument lists and duplicate literals.
func checkArgs(pass *analysis.Pass, call *ast.CallExpr, funcName, what string) {
	if len(call.Args) == 0 {
		pass.Reportf(call.Pos(), "%s called with no arguments - this is a no-op", funcName)
		return
	}
	seen := make(map[string]token.Pos)
	for _, arg := range call.Args {
		s, ok := stringLit(arg)
		if !ok || s == "" {
			continue
		}
		if prev, dup := seen[s]; dup {
			pass.Reportf(arg.Pos(), "duplicate %s %q (first seen at %v)", what, s, pass.Fset.Position(prev))
		}
		seen[s] = arg.Pos()
	}
}

// checkSelfDependency handles Subtask("a").Needs("a") within one chain.
func checkSelfDependency(pass *analysis.Pass, call *ast.CallExpr, sel *ast.SelectorExpr) {
	ref, ok := chainRef(sel.X)
	if !ok {
		return
	}
	for _, arg := range call.Args {
		if s, ok := stringLit(arg); ok && s == ref {
			pass.Reportf(arg.Pos(), "subtask %q depends on itself - will panic at runtime", ref)
		}
	}
}

// chainRef walks back a builder chain to the Subtask call that opened it
// and returns its literal ref.
func chainRef(expr ast.Expr) (string, bool) {
	for {
		call, ok := expr.(*ast.CallExpr)
		if !ok {
			return "", false
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return "", false
		}
		if sel.Sel.Name == "Subtask" {
			if len(call.Args) != 1 {
				return "", false
			}
			return stringLit(call.Args[0])
		}
		expr = sel.X
	}
}

func stringLit(expr ast.Expr) (string, bool) {
	lit, ok := expr.(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return "", false
	}
	s, err := strconv.Unquote(lit.Value)
	if err != nil {
		return "", false
	}
	return s, true
}

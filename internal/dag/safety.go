package dag

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// forbiddenCallees are identifiers that must never appear as a call
// target or bare identifier in node code, regardless of whether the
// sandbox environment actually binds them (§4.1 "calls whose callee
// names are in the forbidden-builtins set").
var forbiddenCallees = map[string]bool{
	"import":     true,
	"eval":       true,
	"exec":       true,
	"open":       true,
	"compile":    true,
	"getattr":    true,
	"setattr":    true,
	"delattr":    true,
	"__import__": true,
}

// forbiddenSubstrings is a textual backstop over the raw source,
// grounded in the same forbidden-builtins/forbidden-module list, for
// constructs a syntax tree alone might not surface as plainly (e.g. a
// parse failure on input the parser can't even tokenize as an
// identifier). Every entry is "("-anchored or a dunder so identifiers
// that merely contain one of these words (import_volume, open_rate)
// never over-match.
var forbiddenSubstrings = []string{
	"eval(",
	"exec(",
	"open(",
	"compile(",
	"getattr(",
	"setattr(",
	"__import__",
}

// importWord matches import as a standalone word: an import statement
// pasted from another language, or an import(...) call the AST walk
// would also catch. Identifiers like import_volume or total_imports
// have no word boundary after "import" and pass.
var importWord = regexp.MustCompile(`\bimport\b`)

// dunderAllowList is the tiny set of double-underscore names the
// runner itself relies on; everything else matching "__x__" is
// rejected.
var dunderAllowList = map[string]bool{
	"__name__": true,
}

// ScanCode rejects a node's code body if it contains an import
// statement (of any kind), a call or identifier reference to a
// forbidden builtin, a reference to a dunder name outside the
// allow-list, or a dunder attribute access. It returns nil if the code
// is safe to compile.
func ScanCode(code string) error {
	if importWord.MatchString(code) {
		return fmt.Errorf("forbidden construct: code contains %q", "import")
	}
	for _, sub := range forbiddenSubstrings {
		if strings.Contains(code, sub) {
			return fmt.Errorf("forbidden construct: code contains %q", sub)
		}
	}

	tree, err := parser.Parse(code)
	if err != nil {
		return fmt.Errorf("syntax error: %w", err)
	}

	var violation error
	ast.Walk(&tree.Node, &scanVisitor{onViolation: func(v error) {
		if violation == nil {
			violation = v
		}
	}})

	return violation
}

type scanVisitor struct {
	onViolation func(error)
}

func (v *scanVisitor) Visit(node *ast.Node) {
	if node == nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		if forbiddenCallees[n.Value] {
			v.onViolation(fmt.Errorf("forbidden identifier %q", n.Value))
			return
		}
		if isDunder(n.Value) && !dunderAllowList[n.Value] {
			v.onViolation(fmt.Errorf("forbidden dunder reference %q", n.Value))
		}
	case *ast.CallNode:
		if ident, ok := n.Callee.(*ast.IdentifierNode); ok && forbiddenCallees[ident.Value] {
			v.onViolation(fmt.Errorf("forbidden call to %q", ident.Value))
		}
	case *ast.MemberNode:
		if prop, ok := n.Property.(*ast.StringNode); ok {
			if isDunder(prop.Value) && !dunderAllowList[prop.Value] {
				v.onViolation(fmt.Errorf("forbidden dunder attribute access %q", prop.Value))
			}
		}
	}
}

func isDunder(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

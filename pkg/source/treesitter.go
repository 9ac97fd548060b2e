package source

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
)

// TreeSitter locates Go declarations under a source root using the
// tree-sitter Go grammar.
//
// An operation maps to a symbol: the operation name itself, or the entry in
// Symbols when present. A symbol "Type.Method" matches a method on Type
// (pointer or value receiver); a plain name matches a function or, failing
// that, any method with that name.
type TreeSitter struct {
	Root    string
	Symbols map[string]string
	logger  *slog.Logger
}

// NewTreeSitter creates a provider rooted at root.
func NewTreeSitter(root string, symbols map[string]string, logger *slog.Logger) *TreeSitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &TreeSitter{
		Root:    root,
		Symbols: symbols,
		logger:  logger.With("component", "source"),
	}
}

type match struct {
	path    string
	decl    string
	imports string
	types   string
}

func (t *TreeSitter) ExtractSource(operation string) (string, bool) {
	m, ok := t.find(operation)
	if !ok {
		return "", false
	}
	if m.imports == "" {
		return m.decl, true
	}
	return m.imports + "\n\n" + m.decl, true
}

func (t *TreeSitter) ExtractContext(operation string) (string, bool) {
	m, ok := t.find(operation)
	if !ok || m.types == "" {
		return "", false
	}
	return m.types, true
}

func (t *TreeSitter) symbol(operation string) string {
	if s, ok := t.Symbols[operation]; ok && s != "" {
		return s
	}
	return operation
}

func (t *TreeSitter) find(operation string) (match, bool) {
	if t.Root == "" || operation == "" {
		return match{}, false
	}

	symbol := t.symbol(operation)
	recv, name := "", symbol
	if i := strings.LastIndex(symbol, "."); i >= 0 {
		recv, name = symbol[:i], symbol[i+1:]
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(golang.GetLanguage())

	var (
		found    match
		ok       bool
		fallback match
		hasFall  bool
	)
	err := filepath.WalkDir(t.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != t.Root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			t.logger.Debug("skipping unreadable file", "path", path, "error", err)
			return nil
		}
		tree, err := parser.ParseCtx(context.Background(), nil, content)
		if err != nil {
			t.logger.Debug("skipping unparsable file", "path", path, "error", err)
			return nil
		}
		defer tree.Close()

		m, exact, hit := scanFile(tree.RootNode(), content, recv, name)
		if !hit {
			return nil
		}
		m.path = path
		if exact {
			found, ok = m, true
			return filepath.SkipAll
		}
		if !hasFall {
			fallback, hasFall = m, true
		}
		return nil
	})
	if err != nil {
		t.logger.Warn("source walk failed", "root", t.Root, "error", err)
	}

	if ok {
		t.logger.Debug("source located", "operation", operation, "symbol", symbol, "path", found.path)
		return found, true
	}
	if hasFall {
		t.logger.Debug("source located by method name", "operation", operation, "symbol", symbol, "path", fallback.path)
		return fallback, true
	}
	t.logger.Debug("source not found", "operation", operation, "symbol", symbol)
	return match{}, false
}

// scanFile looks for the declaration among the top-level nodes of a file.
// exact is false when only a method with a matching name (but no receiver
// requested) was found.
func scanFile(root *sitter.Node, content []byte, recv, name string) (m match, exact, hit bool) {
	var (
		imports []string
		types   []string
		decl    string
	)

	for i := 0; i < int(root.NamedChildCount()); i++ {
		n := root.NamedChild(i)
		switch n.Type() {
		case "import_declaration":
			imports = append(imports, n.Content(content))
		case "type_declaration":
			types = append(types, n.Content(content))
		case "function_declaration":
			if !exact && recv == "" && nodeName(n, content) == name {
				decl, exact = n.Content(content), true
			}
		case "method_declaration":
			if nodeName(n, content) != name {
				continue
			}
			rt := receiverType(n, content)
			switch {
			case recv != "" && rt == recv && !exact:
				decl, exact = n.Content(content), true
			case recv == "" && decl == "":
				decl = n.Content(content)
			}
		}
	}

	if decl == "" {
		return match{}, false, false
	}
	return match{
		decl:    decl,
		imports: strings.Join(imports, "\n"),
		types:   strings.Join(types, "\n\n"),
	}, exact, true
}

func nodeName(n *sitter.Node, content []byte) string {
	if nameNode := n.ChildByFieldName("name"); nameNode != nil {
		return nameNode.Content(content)
	}
	return ""
}

// receiverType returns the bare type name of a method receiver: "(s *Store[T])" -> "Store".
func receiverType(n *sitter.Node, content []byte) string {
	r := n.ChildByFieldName("receiver")
	if r == nil {
		return ""
	}
	text := strings.Trim(r.Content(content), "()")
	if i := strings.Index(text, "["); i >= 0 {
		text = text[:i]
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimLeft(fields[len(fields)-1], "*")
}

func skipDir(name string) bool {
	return name == "vendor" || name == "testdata" ||
		strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")
}

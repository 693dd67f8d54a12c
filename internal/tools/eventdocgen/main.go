package main

import (
	"bytes"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

const (
	factsDir      = "internal/services/ledger/domain/facts"
	projectionDir = "internal/services/ledger/projection"
	complianceDir = "internal/services/ledger/compliance"
	factsAlias    = "facts"
	eventPrefix   = "EventType"
)

type eventDef struct {
	Name      string
	Value     string
	DefinedAt string
}

type payloadField struct {
	Name    string
	Type    string
	JSONTag string
}

type payloadDef struct {
	Name      string
	DefinedAt string
	Fields    []payloadField
}

type factsDefs struct {
	Events   []eventDef
	Payloads map[string]payloadDef
}

// references maps an event constant name to the source locations using it.
type references map[string][]string

func main() {
	var outPath string
	var rootFlag string
	flag.StringVar(&outPath, "out", "docs/events/event-catalog.md", "output path for the catalog")
	flag.StringVar(&rootFlag, "root", "", "repo root (defaults to locating go.mod)")
	flag.Parse()

	root, err := resolveRoot(rootFlag)
	if err != nil {
		fatal(err)
	}
	output := outPath
	if !filepath.IsAbs(output) {
		output = filepath.Join(root, outPath)
	}
	content, err := generate(root)
	if err != nil {
		fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		fatal(fmt.Errorf("create output dir: %w", err))
	}
	if err := os.WriteFile(output, []byte(content), 0o644); err != nil {
		fatal(fmt.Errorf("write catalog: %w", err))
	}
}

func generate(root string) (string, error) {
	defs, err := parseFacts(filepath.Join(root, factsDir), root)
	if err != nil {
		return "", err
	}
	emitters, err := scanReferences(filepath.Join(root, complianceDir), root, func(call string) bool {
		return call != "HandleProjection"
	})
	if err != nil {
		return "", err
	}
	projectors, err := scanReferences(filepath.Join(root, projectionDir), root, func(call string) bool {
		return call == "HandleProjection"
	})
	if err != nil {
		return "", err
	}
	return renderCatalog(defs, emitters, projectors), nil
}

func resolveRoot(flagRoot string) (string, error) {
	if flagRoot != "" {
		return filepath.Clean(flagRoot), nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working dir: %w", err)
	}
	return findModuleRoot(wd)
}

func findModuleRoot(start string) (string, error) {
	dir := start
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("go.mod not found above %s", start)
}

func parseGoFiles(dir string) (*token.FileSet, []*ast.File, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read %s: %w", dir, err)
	}
	fset := token.NewFileSet()
	var files []*ast.File
	var paths []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		path := filepath.Join(dir, name)
		file, err := parser.ParseFile(fset, path, nil, parser.AllErrors)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse %s: %w", path, err)
		}
		files = append(files, file)
		paths = append(paths, path)
	}
	return fset, files, paths, nil
}

func parseFacts(dir, root string) (factsDefs, error) {
	fset, files, _, err := parseGoFiles(dir)
	if err != nil {
		return factsDefs{}, err
	}
	defs := factsDefs{Payloads: make(map[string]payloadDef)}
	for _, file := range files {
		for _, decl := range file.Decls {
			gen, ok := decl.(*ast.GenDecl)
			if !ok {
				continue
			}
			switch gen.Tok {
			case token.CONST:
				defs.Events = append(defs.Events, parseConstDecl(gen, fset, root)...)
			case token.TYPE:
				for _, spec := range gen.Specs {
					typeSpec, ok := spec.(*ast.TypeSpec)
					if !ok || !strings.HasSuffix(typeSpec.Name.Name, "Payload") {
						continue
					}
					structType, ok := typeSpec.Type.(*ast.StructType)
					if !ok {
						continue
					}
					defs.Payloads[typeSpec.Name.Name] = payloadDef{
						Name:      typeSpec.Name.Name,
						DefinedAt: formatPosition(fset.Position(typeSpec.Pos()), root),
						Fields:    parsePayloadFields(structType.Fields, fset),
					}
				}
			}
		}
	}
	return defs, nil
}

func parseConstDecl(decl *ast.GenDecl, fset *token.FileSet, root string) []eventDef {
	var events []eventDef
	for _, spec := range decl.Specs {
		valueSpec, ok := spec.(*ast.ValueSpec)
		if !ok || valueSpec.Type == nil || exprString(fset, valueSpec.Type) != "event.Type" {
			continue
		}
		for idx, name := range valueSpec.Names {
			if !strings.HasPrefix(name.Name, eventPrefix) || idx >= len(valueSpec.Values) {
				continue
			}
			lit, ok := valueSpec.Values[idx].(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				continue
			}
			value, err := strconv.Unquote(lit.Value)
			if err != nil {
				continue
			}
			events = append(events, eventDef{
				Name:      name.Name,
				Value:     value,
				DefinedAt: formatPosition(fset.Position(name.Pos()), root),
			})
		}
	}
	return events
}

func parsePayloadFields(fields *ast.FieldList, fset *token.FileSet) []payloadField {
	if fields == nil {
		return nil
	}
	results := make([]payloadField, 0)
	for _, field := range fields.List {
		if len(field.Names) == 0 {
			continue
		}
		typeString := exprString(fset, field.Type)
		jsonTag := ""
		if field.Tag != nil {
			tagValue, err := strconv.Unquote(field.Tag.Value)
			if err == nil {
				if jsonValue := reflect.StructTag(tagValue).Get("json"); jsonValue != "" {
					jsonTag = fmt.Sprintf("json:\"%s\"", jsonValue)
				}
			}
		}
		for _, name := range field.Names {
			results = append(results, payloadField{Name: name.Name, Type: typeString, JSONTag: jsonTag})
		}
	}
	return results
}

// scanReferences walks dir for calls passing a facts event constant and
// records the call site when keep accepts the called function's name.
func scanReferences(dir, root string, keep func(call string) bool) (references, error) {
	refs := make(references)
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		fset, files, paths, err := parseGoFiles(path)
		if err != nil {
			return err
		}
		for i, file := range files {
			relPath, _ := filepath.Rel(root, paths[i])
			ast.Inspect(file, func(node ast.Node) bool {
				call, ok := node.(*ast.CallExpr)
				if !ok || !keep(callName(call.Fun)) {
					return true
				}
				for _, arg := range call.Args {
					name := factsEventName(arg)
					if name == "" {
						continue
					}
					pos := fset.Position(arg.Pos())
					refs[name] = append(refs[name], fmt.Sprintf("%s:%d", filepath.ToSlash(relPath), pos.Line))
				}
				return true
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for key := range refs {
		sort.Strings(refs[key])
	}
	return refs, nil
}

func callName(fun ast.Expr) string {
	switch typed := fun.(type) {
	case *ast.SelectorExpr:
		return typed.Sel.Name
	case *ast.Ident:
		return typed.Name
	case *ast.IndexExpr:
		return callName(typed.X)
	default:
		return ""
	}
}

func factsEventName(expr ast.Expr) string {
	sel, ok := expr.(*ast.SelectorExpr)
	if !ok {
		return ""
	}
	ident, ok := sel.X.(*ast.Ident)
	if !ok || ident.Name != factsAlias || !strings.HasPrefix(sel.Sel.Name, eventPrefix) {
		return ""
	}
	return sel.Sel.Name
}

func renderCatalog(defs factsDefs, emitters, projectors references) string {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.WriteString("title: \"Event Catalog\"\n")
	buf.WriteString("parent: \"Events\"\n")
	buf.WriteString("nav_order: 1\n")
	buf.WriteString("---\n\n")
	buf.WriteString("# Event Catalog\n\n")
	buf.WriteString("Generated by `go run ./internal/tools/eventdocgen`.\n\n")

	events := append([]eventDef(nil), defs.Events...)
	sort.Slice(events, func(i, j int) bool { return events[i].Value < events[j].Value })
	used := make(map[string]struct{})
	for _, evt := range events {
		payloadName := strings.TrimPrefix(evt.Name, eventPrefix) + "Payload"
		payload, hasPayload := defs.Payloads[payloadName]
		if hasPayload {
			used[payloadName] = struct{}{}
		}

		buf.WriteString(fmt.Sprintf("## `%s` (`%s`)\n", evt.Value, evt.Name))
		buf.WriteString(fmt.Sprintf("- Defined at: `%s`\n", evt.DefinedAt))
		if hasPayload {
			buf.WriteString(fmt.Sprintf("- Payload: `%s` (`%s`)\n", payload.Name, payload.DefinedAt))
			if len(payload.Fields) > 0 {
				buf.WriteString("- Fields:\n")
				for _, field := range payload.Fields {
					label := field.Name
					if field.JSONTag != "" {
						label = fmt.Sprintf("%s (%s)", label, field.JSONTag)
					}
					buf.WriteString(fmt.Sprintf("  - `%s`: `%s`\n", label, field.Type))
				}
			}
		} else {
			buf.WriteString("- Payload: not found\n")
		}
		writeLocations(&buf, "Emitters", emitters[evt.Name])
		writeLocations(&buf, "Projected by", projectors[evt.Name])
		buf.WriteString("\n")
	}

	var unmapped []string
	for name, payload := range defs.Payloads {
		if _, ok := used[name]; !ok {
			unmapped = append(unmapped, fmt.Sprintf("- `%s` (`%s`)\n", payload.Name, payload.DefinedAt))
		}
	}
	if len(unmapped) > 0 {
		sort.Strings(unmapped)
		buf.WriteString("## Unmapped Payloads\n")
		for _, line := range unmapped {
			buf.WriteString(line)
		}
		buf.WriteString("\n")
	}
	return buf.String()
}

func writeLocations(buf *bytes.Buffer, label string, locations []string) {
	if len(locations) == 0 {
		return
	}
	buf.WriteString(fmt.Sprintf("- %s:\n", label))
	for _, location := range locations {
		buf.WriteString(fmt.Sprintf("  - `%s`\n", location))
	}
}

func exprString(fset *token.FileSet, expr ast.Expr) string {
	var buf bytes.Buffer
	_ = printer.Fprint(&buf, fset, expr)
	return buf.String()
}

func formatPosition(pos token.Position, root string) string {
	rel, err := filepath.Rel(root, pos.Filename)
	if err != nil {
		rel = pos.Filename
	}
	return fmt.Sprintf("%s:%d", filepath.ToSlash(rel), pos.Line)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

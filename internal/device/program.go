package device

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	kernelDecl   = regexp.MustCompile(`__kernel\s+void\s+(\w+)\s*\(([^)]*)\)`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	lineComment  = regexp.MustCompile(`//[^\n]*`)
)

// param is one declared kernel parameter.
type param struct {
	name    string
	elem    string // "float", "double" or the raw base type
	pointer bool
}

// signature is the parsed declaration of a kernel entry point.
type signature struct {
	entry  string
	params []param
}

// parseSignature locates `__kernel void <entry>(...)` in an OpenCL C source
// and splits its parameter list.
func parseSignature(source, entry string) (signature, error) {
	src := blockComment.ReplaceAllString(source, "")
	src = lineComment.ReplaceAllString(src, "")

	for _, m := range kernelDecl.FindAllStringSubmatch(src, -1) {
		if m[1] != entry {
			continue
		}

		sig := signature{entry: entry}
		if strings.TrimSpace(m[2]) == "" {
			return sig, nil
		}
		for _, raw := range strings.Split(m[2], ",") {
			p, err := parseParam(raw)
			if err != nil {
				return signature{}, fmt.Errorf("%w: %s: %v", ErrCompile, entry, err)
			}
			sig.params = append(sig.params, p)
		}
		return sig, nil
	}

	return signature{}, fmt.Errorf("%w: entry point %q not declared", ErrCompile, entry)
}

func parseParam(raw string) (param, error) {
	fields := strings.Fields(strings.ReplaceAll(raw, "*", " * "))
	if len(fields) < 2 {
		return param{}, fmt.Errorf("malformed parameter %q", strings.TrimSpace(raw))
	}

	var p param
	p.name = fields[len(fields)-1]
	for _, f := range fields[:len(fields)-1] {
		switch f {
		case "__global", "global", "const", "__const", "restrict", "__restrict":
		case "*":
			p.pointer = true
		default:
			if p.elem == "" {
				p.elem = f
			}
		}
	}
	if p.elem == "" {
		return param{}, fmt.Errorf("parameter %q has no type", p.name)
	}
	return p, nil
}

// precisionOfElem maps an OpenCL C scalar type to a Precision.
func precisionOfElem(elem string) (Precision, bool) {
	switch elem {
	case "float":
		return Float32, true
	case "double":
		return Float64, true
	default:
		return 0, false
	}
}

// checkBufferParams verifies every parameter is a pointer to the program's
// element type, which is all Kernel.Enqueue can bind.
func (s signature) checkBufferParams(p Precision) error {
	for _, prm := range s.params {
		if !prm.pointer {
			return fmt.Errorf("%w: %s: scalar parameter %q is not supported", ErrCompile, s.entry, prm.name)
		}
		got, ok := precisionOfElem(prm.elem)
		if !ok {
			return fmt.Errorf("%w: %s: parameter %q has element type %s", ErrUnsupportedPrecision, s.entry, prm.name, prm.elem)
		}
		if got != p {
			return fmt.Errorf("%w: %s: parameter %q is %s, program is %s", ErrPrecisionMismatch, s.entry, prm.name, got, p)
		}
	}
	return nil
}

package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/keel-labs/keel/pkg/canonical"
)

// The engine supports only add, replace, and remove. move/copy/test are
// deliberately absent so the applied operation set stays auditable.

var (
	// ErrRootPatch is returned for operations targeting the document root.
	ErrRootPatch = errors.New("policy: root-level patches are rejected")

	// ErrPointerNotFound is returned when replace/remove target a missing path.
	ErrPointerNotFound = errors.New("policy: pointer does not resolve")

	// ErrBadPointer is returned for syntactically invalid JSON Pointers.
	ErrBadPointer = errors.New("policy: invalid JSON pointer")

	// ErrBadOp is returned for unknown or malformed operations.
	ErrBadOp = errors.New("policy: invalid patch operation")
)

// OpKind enumerates the supported patch operations.
type OpKind string

const (
	OpAdd     OpKind = "add"
	OpReplace OpKind = "replace"
	OpRemove  OpKind = "remove"
)

// Op is a single patch operation against a JSON Pointer path.
type Op struct {
	Kind  OpKind
	Path  string
	Value canonical.Value

	hasValue bool
}

// Add builds an add operation.
func Add(path string, value canonical.Value) Op {
	return Op{Kind: OpAdd, Path: path, Value: value, hasValue: true}
}

// Replace builds a replace operation.
func Replace(path string, value canonical.Value) Op {
	return Op{Kind: OpReplace, Path: path, Value: value, hasValue: true}
}

// Remove builds a remove operation.
func Remove(path string) Op {
	return Op{Kind: OpRemove, Path: path}
}

// ToAny renders the operation as a generic JSON object, the form receipts
// record verbatim.
func (o Op) ToAny() map[string]any {
	out := map[string]any{"op": string(o.Kind), "path": o.Path}
	if o.hasValue {
		out["value"] = o.Value.ToAny()
	}
	return out
}

// OpsFromValue parses a patch ops list out of a proposal document.
func OpsFromValue(v canonical.Value) ([]Op, error) {
	list, ok := v.ListVal()
	if !ok {
		return nil, fmt.Errorf("%w: ops must be a list", ErrBadOp)
	}

	ops := make([]Op, 0, len(list))
	for i, raw := range list {
		kindVal, ok := raw.Get("op")
		if !ok {
			return nil, fmt.Errorf("%w: ops[%d] missing op", ErrBadOp, i)
		}
		kindStr, ok := kindVal.StrVal()
		if !ok {
			return nil, fmt.Errorf("%w: ops[%d] op must be a string", ErrBadOp, i)
		}
		pathVal, ok := raw.Get("path")
		if !ok {
			return nil, fmt.Errorf("%w: ops[%d] missing path", ErrBadOp, i)
		}
		path, ok := pathVal.StrVal()
		if !ok {
			return nil, fmt.Errorf("%w: ops[%d] path must be a string", ErrBadOp, i)
		}

		value, hasValue := raw.Get("value")
		switch OpKind(kindStr) {
		case OpAdd, OpReplace:
			if !hasValue {
				return nil, fmt.Errorf("%w: ops[%d] %s requires value", ErrBadOp, i, kindStr)
			}
			ops = append(ops, Op{Kind: OpKind(kindStr), Path: path, Value: value, hasValue: true})
		case OpRemove:
			ops = append(ops, Remove(path))
		default:
			return nil, fmt.Errorf("%w: ops[%d] unsupported op %q", ErrBadOp, i, kindStr)
		}
	}
	return ops, nil
}

// Apply runs ops against a deep copy of doc and returns the result. The
// input document is never mutated, which makes dry-run evaluation safe.
func Apply(doc canonical.Value, ops []Op) (canonical.Value, error) {
	out := doc.Clone()
	for i, op := range ops {
		next, err := applyOne(out, op)
		if err != nil {
			return canonical.Value{}, fmt.Errorf("ops[%d] %s %s: %w", i, op.Kind, op.Path, err)
		}
		out = next
	}
	return out, nil
}

// IsNoop reports whether applying ops leaves the document's hash unchanged.
func IsNoop(doc canonical.Value, ops []Op) (bool, error) {
	after, err := Apply(doc, ops)
	if err != nil {
		return false, err
	}
	return canonical.Hash(after) == canonical.Hash(doc), nil
}

func applyOne(doc canonical.Value, op Op) (canonical.Value, error) {
	tokens, err := parsePointer(op.Path)
	if err != nil {
		return canonical.Value{}, err
	}
	if len(tokens) == 0 {
		return canonical.Value{}, ErrRootPatch
	}

	switch op.Kind {
	case OpAdd:
		return setPath(doc, tokens, op.Value, true)
	case OpReplace:
		return setPath(doc, tokens, op.Value, false)
	case OpRemove:
		return removePath(doc, tokens)
	default:
		return canonical.Value{}, fmt.Errorf("%w: %q", ErrBadOp, op.Kind)
	}
}

// parsePointer splits an RFC 6901 pointer into unescaped reference tokens.
func parsePointer(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%w: %q must start with /", ErrBadPointer, path)
	}
	parts := strings.Split(path[1:], "/")
	tokens := make([]string, len(parts))
	for i, p := range parts {
		if strings.Contains(p, "~") {
			// ~ may only appear as ~0 or ~1.
			probe := strings.ReplaceAll(strings.ReplaceAll(p, "~1", ""), "~0", "")
			if strings.Contains(probe, "~") {
				return nil, fmt.Errorf("%w: bad escape in %q", ErrBadPointer, path)
			}
		}
		p = strings.ReplaceAll(p, "~1", "/")
		p = strings.ReplaceAll(p, "~0", "~")
		tokens[i] = p
	}
	return tokens, nil
}

// setPath writes value at the token path. When creating is true (add),
// missing intermediate map members are created; otherwise the full path must
// already resolve.
func setPath(node canonical.Value, tokens []string, value canonical.Value, creating bool) (canonical.Value, error) {
	head, rest := tokens[0], tokens[1:]

	if m, ok := node.MapVal(); ok {
		if len(rest) == 0 {
			if !creating {
				if _, exists := m[head]; !exists {
					return canonical.Value{}, fmt.Errorf("%w: member %q", ErrPointerNotFound, head)
				}
			}
			next := cloneMap(m)
			next[head] = value.Clone()
			return canonical.Map(next), nil
		}

		child, exists := m[head]
		if !exists {
			if !creating {
				return canonical.Value{}, fmt.Errorf("%w: member %q", ErrPointerNotFound, head)
			}
			child = canonical.Map(nil)
		}
		updated, err := setPath(child, rest, value, creating)
		if err != nil {
			return canonical.Value{}, err
		}
		next := cloneMap(m)
		next[head] = updated
		return canonical.Map(next), nil
	}

	if list, ok := node.ListVal(); ok {
		if len(rest) == 0 && creating {
			// RFC 6902 add: "-" or index == len appends.
			if head == "-" || head == strconv.Itoa(len(list)) {
				next := cloneList(list)
				return canonical.List(append(next, value.Clone())...), nil
			}
		}
		idx, err := listIndex(head, len(list))
		if err != nil {
			return canonical.Value{}, err
		}
		if len(rest) == 0 {
			next := cloneList(list)
			if creating {
				// add inserts before idx, per RFC 6902.
				next = append(next[:idx], append([]canonical.Value{value.Clone()}, next[idx:]...)...)
			} else {
				next[idx] = value.Clone()
			}
			return canonical.List(next...), nil
		}
		updated, err := setPath(list[idx], rest, value, creating)
		if err != nil {
			return canonical.Value{}, err
		}
		next := cloneList(list)
		next[idx] = updated
		return canonical.List(next...), nil
	}

	return canonical.Value{}, fmt.Errorf("%w: segment %q addresses a %s", ErrPointerNotFound, head, node.Kind())
}

func removePath(node canonical.Value, tokens []string) (canonical.Value, error) {
	head, rest := tokens[0], tokens[1:]

	if m, ok := node.MapVal(); ok {
		child, exists := m[head]
		if !exists {
			return canonical.Value{}, fmt.Errorf("%w: member %q", ErrPointerNotFound, head)
		}
		if len(rest) == 0 {
			next := cloneMap(m)
			delete(next, head)
			return canonical.Map(next), nil
		}
		updated, err := removePath(child, rest)
		if err != nil {
			return canonical.Value{}, err
		}
		next := cloneMap(m)
		next[head] = updated
		return canonical.Map(next), nil
	}

	if list, ok := node.ListVal(); ok {
		idx, err := listIndex(head, len(list))
		if err != nil {
			return canonical.Value{}, err
		}
		if len(rest) == 0 {
			next := cloneList(list)
			next = append(next[:idx], next[idx+1:]...)
			return canonical.List(next...), nil
		}
		updated, err := removePath(list[idx], rest)
		if err != nil {
			return canonical.Value{}, err
		}
		next := cloneList(list)
		next[idx] = updated
		return canonical.List(next...), nil
	}

	return canonical.Value{}, fmt.Errorf("%w: segment %q addresses a %s", ErrPointerNotFound, head, node.Kind())
}

func listIndex(token string, length int) (int, error) {
	if token == "-" {
		return 0, fmt.Errorf("%w: %q only valid for add append", ErrBadPointer, token)
	}
	if len(token) > 1 && token[0] == '0' {
		return 0, fmt.Errorf("%w: leading zero in index %q", ErrBadPointer, token)
	}
	idx, err := strconv.Atoi(token)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("%w: index %q", ErrBadPointer, token)
	}
	if idx >= length {
		return 0, fmt.Errorf("%w: index %d out of range (len %d)", ErrPointerNotFound, idx, length)
	}
	return idx, nil
}

func cloneMap(m map[string]canonical.Value) map[string]canonical.Value {
	next := make(map[string]canonical.Value, len(m)+1)
	for k, v := range m {
		next[k] = v
	}
	return next
}

func cloneList(list []canonical.Value) []canonical.Value {
	next := make([]canonical.Value, len(list))
	copy(next, list)
	return next
}

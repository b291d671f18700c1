package canon

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"worldbuild/internal/types"
)

// applyPatch applies an RFC-6902 patch to doc and returns the new document.
// doc is never mutated: the patch runs against a deep copy, so any op failure
// leaves the caller's document untouched.
func applyPatch(doc types.Canon, patch []types.PatchOp) (types.Canon, error) {
	copied, err := Normalize(doc)
	if err != nil {
		return nil, err
	}
	root := copied
	for i, op := range patch {
		root, err = applyOp(root, op)
		if err != nil {
			return nil, fmt.Errorf("op %d (%s %s): %w", i, op.Op, op.Path, err)
		}
	}
	out, ok := root.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("patch replaced document root with non-object %T", root)
	}
	return out, nil
}

func applyOp(root any, op types.PatchOp) (any, error) {
	switch op.Op {
	case "add":
		return setValue(root, op.Path, op.Value, true)
	case "replace":
		if _, err := getValue(root, op.Path); err != nil {
			return nil, err
		}
		return setValue(root, op.Path, op.Value, false)
	case "remove":
		return removeValue(root, op.Path)
	case "move":
		if op.From == op.Path {
			return root, nil
		}
		if strings.HasPrefix(op.Path, op.From+"/") {
			return nil, fmt.Errorf("cannot move %q into its own child %q", op.From, op.Path)
		}
		val, err := getValue(root, op.From)
		if err != nil {
			return nil, err
		}
		root, err = removeValue(root, op.From)
		if err != nil {
			return nil, err
		}
		return setValue(root, op.Path, val, true)
	case "copy":
		val, err := getValue(root, op.From)
		if err != nil {
			return nil, err
		}
		val, err = Normalize(val)
		if err != nil {
			return nil, err
		}
		return setValue(root, op.Path, val, true)
	case "test":
		val, err := getValue(root, op.Path)
		if err != nil {
			return nil, err
		}
		want, err := Normalize(op.Value)
		if err != nil {
			return nil, err
		}
		if !reflect.DeepEqual(val, want) {
			return nil, fmt.Errorf("test failed at %q", op.Path)
		}
		return root, nil
	default:
		return nil, fmt.Errorf("unsupported op %q", op.Op)
	}
}

// parsePointer splits a JSON Pointer into unescaped reference tokens.
func parsePointer(pointer string) ([]string, error) {
	if pointer == "" {
		return nil, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("pointer %q must start with '/'", pointer)
	}
	raw := strings.Split(pointer[1:], "/")
	tokens := make([]string, len(raw))
	for i, t := range raw {
		t = strings.ReplaceAll(t, "~1", "/")
		t = strings.ReplaceAll(t, "~0", "~")
		tokens[i] = t
	}
	return tokens, nil
}

func getValue(root any, pointer string) (any, error) {
	tokens, err := parsePointer(pointer)
	if err != nil {
		return nil, err
	}
	cur := root
	for _, tok := range tokens {
		switch node := cur.(type) {
		case map[string]any:
			val, ok := node[tok]
			if !ok {
				return nil, fmt.Errorf("path %q: missing key %q", pointer, tok)
			}
			cur = val
		case []any:
			idx, err := arrayIndex(tok, len(node), false)
			if err != nil {
				return nil, fmt.Errorf("path %q: %w", pointer, err)
			}
			cur = node[idx]
		default:
			return nil, fmt.Errorf("path %q: cannot descend into %T", pointer, cur)
		}
	}
	return cur, nil
}

// setValue writes value at pointer. With insert set (add/move/copy), array
// indices shift right and "-" appends; without it (replace), the target slot
// is overwritten in place.
func setValue(root any, pointer string, value any, insert bool) (any, error) {
	tokens, err := parsePointer(pointer)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("root replacement must be an object, got %T", value)
		}
		return obj, nil
	}
	parent, err := getValue(root, joinPointer(tokens[:len(tokens)-1]))
	if err != nil {
		return nil, err
	}
	last := tokens[len(tokens)-1]
	switch node := parent.(type) {
	case map[string]any:
		node[last] = value
		return root, nil
	case []any:
		idx, err := arrayIndex(last, len(node), insert)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", pointer, err)
		}
		var updated []any
		if insert {
			updated = append(node[:idx:idx], append([]any{value}, node[idx:]...)...)
		} else {
			node[idx] = value
			return root, nil
		}
		return replaceChild(root, tokens[:len(tokens)-1], updated)
	default:
		return nil, fmt.Errorf("path %q: cannot write into %T", pointer, parent)
	}
}

func removeValue(root any, pointer string) (any, error) {
	tokens, err := parsePointer(pointer)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("cannot remove document root")
	}
	parent, err := getValue(root, joinPointer(tokens[:len(tokens)-1]))
	if err != nil {
		return nil, err
	}
	last := tokens[len(tokens)-1]
	switch node := parent.(type) {
	case map[string]any:
		if _, ok := node[last]; !ok {
			return nil, fmt.Errorf("path %q: missing key %q", pointer, last)
		}
		delete(node, last)
		return root, nil
	case []any:
		idx, err := arrayIndex(last, len(node), false)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", pointer, err)
		}
		updated := append(node[:idx:idx], node[idx+1:]...)
		return replaceChild(root, tokens[:len(tokens)-1], updated)
	default:
		return nil, fmt.Errorf("path %q: cannot remove from %T", pointer, parent)
	}
}

// replaceChild rewires a re-sliced array back into its parent container.
func replaceChild(root any, parentTokens []string, child any) (any, error) {
	if len(parentTokens) == 0 {
		return child, nil
	}
	grand, err := getValue(root, joinPointer(parentTokens[:len(parentTokens)-1]))
	if err != nil {
		return nil, err
	}
	last := parentTokens[len(parentTokens)-1]
	switch node := grand.(type) {
	case map[string]any:
		node[last] = child
		return root, nil
	case []any:
		idx, err := arrayIndex(last, len(node), false)
		if err != nil {
			return nil, err
		}
		node[idx] = child
		return root, nil
	default:
		return nil, fmt.Errorf("cannot rewire child into %T", grand)
	}
}

func arrayIndex(token string, length int, allowAppend bool) (int, error) {
	if token == "-" {
		if !allowAppend {
			return 0, fmt.Errorf("'-' only valid when adding")
		}
		return length, nil
	}
	if len(token) > 1 && token[0] == '0' {
		return 0, fmt.Errorf("invalid array index %q", token)
	}
	idx, err := strconv.Atoi(token)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("invalid array index %q", token)
	}
	limit := length
	if allowAppend {
		limit = length + 1
	}
	if idx >= limit {
		return 0, fmt.Errorf("array index %d out of range (len %d)", idx, length)
	}
	return idx, nil
}

func joinPointer(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range tokens {
		t = strings.ReplaceAll(t, "~", "~0")
		t = strings.ReplaceAll(t, "/", "~1")
		b.WriteByte('/')
		b.WriteString(t)
	}
	return b.String()
}

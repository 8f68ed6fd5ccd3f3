package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// jsonNode is a decoded JSON value that keeps object keys in document
// order. Error bodies are flattened in the order the remote API wrote them.
type jsonNode struct {
	kind   jsonKind
	keys   []string
	values []*jsonNode
	text   string // string contents, or the literal for numbers, booleans and null
}

type jsonKind int

const (
	jsonScalar jsonKind = iota
	jsonString
	jsonObject
	jsonArray
)

func parseOrdered(data []byte) (*jsonNode, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	node, err := decodeNode(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON value")
	}
	return node, nil
}

func decodeNode(dec *json.Decoder) (*jsonNode, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch v := tok.(type) {
	case json.Delim:
		switch v {
		case '{':
			node := &jsonNode{kind: jsonObject}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("expected object key, got %v", keyTok)
				}
				child, err := decodeNode(dec)
				if err != nil {
					return nil, err
				}
				node.keys = append(node.keys, key)
				node.values = append(node.values, child)
			}
			_, err := dec.Token() // '}'
			return node, err
		case '[':
			node := &jsonNode{kind: jsonArray}
			for i := 0; dec.More(); i++ {
				child, err := decodeNode(dec)
				if err != nil {
					return nil, err
				}
				node.keys = append(node.keys, strconv.Itoa(i))
				node.values = append(node.values, child)
			}
			_, err := dec.Token() // ']'
			return node, err
		}
		return nil, fmt.Errorf("unexpected delimiter %v", v)
	case string:
		return &jsonNode{kind: jsonString, text: v}, nil
	case json.Number:
		return &jsonNode{kind: jsonScalar, text: v.String()}, nil
	case bool:
		return &jsonNode{kind: jsonScalar, text: strconv.FormatBool(v)}, nil
	default:
		return &jsonNode{kind: jsonScalar, text: "null"}, nil
	}
}

// get returns the value stored under key, or nil.
func (n *jsonNode) get(key string) *jsonNode {
	if n == nil || n.kind != jsonObject {
		return nil
	}
	for i, k := range n.keys {
		if k == key {
			return n.values[i]
		}
	}
	return nil
}

// str returns the contents of a string child.
func (n *jsonNode) str(key string) (string, bool) {
	v := n.get(key)
	if v == nil || v.kind != jsonString {
		return "", false
	}
	return v.text, true
}

// flattenErrors turns a nested "errors" object into one line per field
// error, e.g. "embed.fields[0].value[BASE_TYPE_REQUIRED]: This field is required".
func flattenErrors(n *jsonNode, key string) []string {
	if n == nil {
		return nil
	}

	// A leaf is any value with a string message
	if message, ok := n.str("message"); ok {
		code := ""
		if c := n.get("code"); c != nil {
			code = c.text
		}
		switch {
		case key != "" && code != "":
			return []string{strings.TrimSpace(fmt.Sprintf("%s[%s]: %s", key, code, message))}
		case key != "":
			return []string{strings.TrimSpace(fmt.Sprintf("%s: %s", key, message))}
		default:
			return []string{strings.TrimSpace(fmt.Sprintf("%s: %s", code, message))}
		}
	}

	if n.kind != jsonObject && n.kind != jsonArray {
		return nil
	}

	var lines []string
	for i, k := range n.keys {
		v := n.values[i]
		next := nextKey(key, k)

		switch {
		case v.kind == jsonString:
			lines = append(lines, v.text)
		case v.get("_errors") != nil:
			group := v.get("_errors")
			for _, e := range group.values {
				lines = append(lines, flattenErrors(e, next)...)
			}
		default:
			lines = append(lines, flattenErrors(v, next)...)
		}
	}
	return lines
}

func nextKey(key, k string) string {
	switch {
	case strings.HasPrefix(k, "_"):
		return key
	case key == "":
		return k
	case isIndex(k):
		return key + "[" + k + "]"
	default:
		return key + "." + k
	}
}

// isIndex reports whether k is an array position.
func isIndex(k string) bool {
	_, err := strconv.ParseUint(k, 10, 64)
	return err == nil
}

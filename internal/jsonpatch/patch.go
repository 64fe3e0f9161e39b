// Package jsonpatch 按点分路径修改 JSON 文档中的单个字段。
//
// 路径按 "." 切分，逐级下探；中间层缺失时创建空对象，中间层为标量或 null 时
// 以空对象覆盖。数组上的数字键视为下标，越界时以 null 补齐。
// 未涉及的部分按原始字节保留（键顺序、数字格式不变）。
package jsonpatch

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Patch 将 fieldPath 处的值设置为 value。出错时返回原文档及错误
func Patch(doc, fieldPath string, value any) (string, error) {
	if !gjson.Valid(doc) {
		return doc, ErrInvalidJSON
	}
	segs, err := splitPath(fieldPath)
	if err != nil {
		return doc, err
	}
	root := gjson.Parse(doc)
	if !root.IsObject() && !root.IsArray() {
		return doc, fmt.Errorf("%w: root is %s", ErrNotContainer, root.Type)
	}
	if key, ok := duplicateKey(root); ok {
		return doc, fmt.Errorf("%w: duplicate key %q", ErrInvalidJSON, key)
	}

	parts := make([]string, len(segs))
	cur, exists := root, true
	for i, seg := range segs {
		if exists && cur.IsArray() {
			if _, ok := arrayIndex(seg); !ok {
				return doc, fmt.Errorf("%w: key %q on array", ErrNotContainer, seg)
			}
			parts[i] = seg
		} else {
			// ":" 前缀强制按对象键处理，数字键也不会新建数组
			parts[i] = ":" + seg
		}

		if i == len(segs)-1 {
			break
		}
		if exists && (cur.IsObject() || cur.IsArray()) {
			cur = cur.Get(seg)
			exists = cur.Exists()
		} else {
			exists = false
		}
		if exists && !cur.IsObject() && !cur.IsArray() {
			// 标量或 null 中间节点由 sjson 替换为新对象
			exists = false
		}
	}

	raw, err := marshalValue(value)
	if err != nil {
		return doc, fmt.Errorf("%w: %v", ErrMarshalValue, err)
	}
	out, err := sjson.SetRaw(doc, strings.Join(parts, "."), raw)
	if err != nil {
		return doc, fmt.Errorf("%w: %v", ErrNotContainer, err)
	}
	return out, nil
}

// duplicateKey 查找任意层级对象中的重复键。
// sjson 修改首个同名键，而解析方以最后一个为准，重复键文档无法按预期修改
func duplicateKey(v gjson.Result) (string, bool) {
	var (
		dup   string
		found bool
		seen  map[string]struct{}
	)
	if v.IsObject() {
		seen = make(map[string]struct{})
	}
	v.ForEach(func(k, child gjson.Result) bool {
		if seen != nil {
			if _, ok := seen[k.String()]; ok {
				dup, found = k.String(), true
				return false
			}
			seen[k.String()] = struct{}{}
		}
		if child.IsObject() || child.IsArray() {
			dup, found = duplicateKey(child)
			return !found
		}
		return true
	})
	return dup, found
}

// PatchOrOriginal 修改失败时原样返回文档
func PatchOrOriginal(doc, fieldPath string, value any) string {
	out, err := Patch(doc, fieldPath, value)
	if err != nil {
		return doc
	}
	return out
}

// marshalValue 序列化新值，不转义 HTML 字符
func marshalValue(v any) (string, error) {
	var b strings.Builder
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(b.String(), "\n"), nil
}

func splitPath(fieldPath string) ([]string, error) {
	if fieldPath == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segs := strings.Split(fieldPath, ".")
	for _, seg := range segs {
		if seg == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, fieldPath)
		}
		if strings.ContainsAny(seg, `|#@*?\`) || seg[0] == ':' || seg[0] == '!' {
			return nil, fmt.Errorf("%w: unsupported segment %q", ErrInvalidPath, seg)
		}
	}
	return segs, nil
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

func arrayIndex(s string) (int, bool) {
	if !isNumeric(s) {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

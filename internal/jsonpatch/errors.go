package jsonpatch

import "errors"

var (
	// ErrInvalidJSON 文档不是合法 JSON
	ErrInvalidJSON = errors.New("document is not valid json")
	// ErrInvalidPath 字段路径为空或包含不支持的字符
	ErrInvalidPath = errors.New("invalid field path")
	// ErrNotContainer 无法在该位置按键下探（数组上的非数字键、非容器根节点）
	ErrNotContainer = errors.New("value is not a container")
	// ErrMarshalValue 新值无法序列化为 JSON
	ErrMarshalValue = errors.New("new value is not json encodable")
)

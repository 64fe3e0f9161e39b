package traffic

import (
	"net/http"
	"strings"
)

// JSONContentType 替换响应使用的内容类型
const JSONContentType = "application/json; charset=utf-8"

// Header 封装通用的头部操作
type Header map[string]string

// Get 获取指定 Header 的值（大小写不敏感）
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set 设置指定 Header 的值（自动转换为小写）
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Del 删除指定 Header
func (h Header) Del(key string) {
	delete(h, strings.ToLower(key))
}

// Request 中立的请求模型
type Request struct {
	ID           string // 请求标识，由宿主分配
	URL          string // 完整URL
	Method       string // HTTP方法
	Headers      Header // 请求头
	Body         []byte // 请求体原始数据
	ResourceType string // 资源类型 (如 Document, XHR)
}

// NewRequest 创建初始化请求对象
func NewRequest() *Request {
	return &Request{
		Method:  http.MethodGet,
		Headers: make(Header),
	}
}

// HasBody 仅非 GET 请求携带请求体
func (r *Request) HasBody() bool {
	return !strings.EqualFold(r.Method, http.MethodGet) && len(r.Body) > 0
}

// Substitution 替换原始响应的内容
type Substitution struct {
	Body        string
	ContentType string
}

// NewJSONSubstitution 创建 JSON 类型的替换响应
func NewJSONSubstitution(body string) *Substitution {
	return &Substitution{Body: body, ContentType: JSONContentType}
}

// DataURL 以 data URI 形式表示替换内容
func (s *Substitution) DataURL() string {
	return "data:application/json;charset=utf-8," + EncodeURIComponent(s.Body)
}

// EncodeURIComponent 按 UTF-8 百分号编码，保留 A-Z a-z 0-9 - _ . ! ~ * ' ( )
func EncodeURIComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0x0f])
	}
	return b.String()
}

const upperHex = "0123456789ABCDEF"

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}

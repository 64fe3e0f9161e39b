package cdp

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sort"

	"cdpmock/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
)

// RequestKey 请求标识：优先使用网络请求 ID，与 Network 域的完成/失败事件对应
func RequestKey(ev *fetch.RequestPausedReply) string {
	if ev.NetworkID != nil && *ev.NetworkID != "" {
		return string(*ev.NetworkID)
	}
	return string(ev.RequestID)
}

// ToNeutralRequest 将 CDP 事件转换为中立 Request 模型
func ToNeutralRequest(ev *fetch.RequestPausedReply) *traffic.Request {
	req := traffic.NewRequest()
	req.ID = RequestKey(ev)
	req.URL = ev.Request.URL
	if ev.Request.Method != "" {
		req.Method = ev.Request.Method
	}
	req.ResourceType = string(ev.ResourceType)

	req.Headers = requestHeaders(ev)

	req.Body = postData(ev.Request)
	return req
}

// postData 优先拼接 PostDataEntries（base64），否则退回 PostData
func postData(r network.Request) []byte {
	var buf []byte
	for _, e := range r.PostDataEntries {
		if e.Bytes == nil {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(*e.Bytes)
		if err != nil {
			continue
		}
		buf = append(buf, b...)
	}
	if len(buf) > 0 {
		return buf
	}
	if r.PostData != nil {
		return []byte(*r.PostData)
	}
	return nil
}

// ToFulfillArgs 构造替换响应的 fulfillRequest 参数
func ToFulfillArgs(ev *fetch.RequestPausedReply, sub *traffic.Substitution) *fetch.FulfillRequestArgs {
	h := traffic.Header{}
	h.Set("Content-Type", sub.ContentType)

	if origin := requestHeaders(ev).Get("origin"); origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
	}

	return &fetch.FulfillRequestArgs{
		RequestID:       ev.RequestID,
		ResponseCode:    http.StatusOK,
		ResponseHeaders: ToHeaderEntries(h),
		Body:            []byte(sub.Body),
	}
}

// ToHeaderEntries 将中立 Header 转换为 CDP Header 条目，按名称排序
func ToHeaderEntries(h traffic.Header) []fetch.HeaderEntry {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	entries := make([]fetch.HeaderEntry, 0, len(h))
	for _, k := range names {
		entries = append(entries, fetch.HeaderEntry{Name: http.CanonicalHeaderKey(k), Value: h[k]})
	}
	return entries
}

// requestHeaders 解析请求头，键统一小写
func requestHeaders(ev *fetch.RequestPausedReply) traffic.Header {
	out := make(traffic.Header)
	if len(ev.Request.Headers) == 0 {
		return out
	}
	var headers map[string]string
	if err := json.Unmarshal(ev.Request.Headers, &headers); err == nil {
		for k, v := range headers {
			out.Set(k, v)
		}
	}
	return out
}

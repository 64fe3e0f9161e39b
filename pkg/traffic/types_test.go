package traffic

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderCaseInsensitive(t *testing.T) {
	h := make(Header)
	h.Set("Content-Type", "text/plain")
	assert.Equal(t, "text/plain", h.Get("content-type"))
	h.Del("CONTENT-TYPE")
	assert.Equal(t, "", h.Get("Content-Type"))

	var nilHeader Header
	assert.Equal(t, "", nilHeader.Get("x"))
}

func TestRequestHasBody(t *testing.T) {
	r := NewRequest()
	r.Body = []byte("x")
	assert.False(t, r.HasBody())

	r.Method = "POST"
	assert.True(t, r.HasBody())

	r.Body = nil
	assert.False(t, r.HasBody())
}

func TestEncodeURIComponent(t *testing.T) {
	assert.Equal(t, "%7B%22ok%22%3Atrue%7D", EncodeURIComponent(`{"ok":true}`))
	assert.Equal(t, "a%20b", EncodeURIComponent("a b"))
	assert.Equal(t, "-_.!~*'()", EncodeURIComponent("-_.!~*'()"))
	assert.Equal(t, "%E4%BD%A0", EncodeURIComponent("你"))
	assert.Equal(t, "%2B%26%3D%2F%3F%23", EncodeURIComponent("+&=/?#"))
}

func TestDataURLRoundTrip(t *testing.T) {
	body := `{"name":"张三","note":"50% off & more"}`
	sub := NewJSONSubstitution(body)
	assert.Equal(t, JSONContentType, sub.ContentType)

	const prefix = "data:application/json;charset=utf-8,"
	u := sub.DataURL()
	require.Equal(t, prefix, u[:len(prefix)])

	decoded, err := url.PathUnescape(u[len(prefix):])
	require.NoError(t, err)
	assert.Equal(t, body, decoded)
}

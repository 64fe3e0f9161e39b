package intercept

import "errors"

var (
	ErrBuildRequest = errors.New("build outbound request failed")
	ErrFetch        = errors.New("outbound fetch failed")
	ErrReadBody     = errors.New("read response body failed")
	ErrBodyTooLarge = errors.New("response body exceeds limit")
)

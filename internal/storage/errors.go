package storage

import "errors"

var (
	ErrOpen     = errors.New("open database failed")
	ErrMigrate  = errors.New("migrate database failed")
	ErrEmptyKey = errors.New("key is empty")
	ErrClosed   = errors.New("store is closed")
)

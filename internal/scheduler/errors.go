package scheduler

import "errors"

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

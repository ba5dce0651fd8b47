package postgres

import (
	"github.com/felixgeelhaar/dojo/internal/progress"
	"github.com/felixgeelhaar/dojo/internal/scheduler"
)

var (
	_ progress.Store  = (*Store)(nil)
	_ scheduler.Store = (*Store)(nil)
)

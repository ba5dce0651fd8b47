package sqlite

import (
	"github.com/felixgeelhaar/dojo/internal/catalog"
	"github.com/felixgeelhaar/dojo/internal/progress"
	"github.com/felixgeelhaar/dojo/internal/runner"
	"github.com/felixgeelhaar/dojo/internal/scheduler"
)

// Ensure SQLite stores implement the consumer interfaces.
var (
	_ runner.SubmissionStore   = (*SubmissionStore)(nil)
	_ catalog.AcceptanceSource = (*SubmissionStore)(nil)
	_ progress.Store           = (*ProgressStore)(nil)
	_ scheduler.Store          = (*RevisionStore)(nil)
)

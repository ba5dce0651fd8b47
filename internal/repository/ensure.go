package repository

import (
	"github.com/felixgeelhaar/dojo/internal/catalog"
	"github.com/felixgeelhaar/dojo/internal/runner"
)

var (
	_ runner.SubmissionStore   = (*SubmissionRepository)(nil)
	_ catalog.AcceptanceSource = (*SubmissionRepository)(nil)
)

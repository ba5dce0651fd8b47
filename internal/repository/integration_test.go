//go:build integration

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/felixgeelhaar/dojo/internal/domain"
	"github.com/felixgeelhaar/dojo/internal/storage/postgres"
)

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "dojo",
				"POSTGRES_PASSWORD": "dojo",
				"POSTGRES_DB":       "dojo",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, _ := container.Host(ctx)
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("failed to get port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://dojo:dojo@%s:%s/dojo?sslmode=disable", host, port.Port())

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("postgres.Open() error = %v", err)
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestIntegration_SubmissionLifecycle(t *testing.T) {
	repo := NewSubmissionRepository(setupDB(t))
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	sub := &domain.Submission{
		ID: uuid.New(), ProblemID: "two-sum", UserID: "u1", Language: domain.LanguageGo,
		SourceCode: "package main", Mode: domain.ModeSubmit, Status: domain.SubmissionQueued,
		TotalCases: 2, SubmittedAt: now,
	}
	if err := repo.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission() error = %v", err)
	}

	queued, err := repo.ListSubmissionsByStatus(ctx, domain.SubmissionQueued, domain.SubmissionRunning)
	if err != nil || len(queued) != 1 {
		t.Fatalf("ListSubmissionsByStatus() = %v, %v", queued, err)
	}

	if err := sub.TransitionTo(domain.SubmissionRunning, now); err != nil {
		t.Fatal(err)
	}
	if err := sub.Grade(domain.Verdict{SubmissionID: sub.ID, Status: domain.VerdictAccepted, PassedCount: 2, TotalCount: 2}, now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateSubmission(ctx, sub); err != nil {
		t.Fatalf("UpdateSubmission() error = %v", err)
	}

	unpublished, err := repo.ListUnpublished(ctx, 10)
	if err != nil || len(unpublished) != 1 {
		t.Fatalf("ListUnpublished() = %v, %v", unpublished, err)
	}
	if err := repo.MarkPublished(ctx, sub.ID); err != nil {
		t.Fatalf("MarkPublished() error = %v", err)
	}

	got, err := repo.GetSubmission(ctx, sub.ID)
	if err != nil {
		t.Fatalf("GetSubmission() error = %v", err)
	}
	if !got.Published || got.Verdict == nil || !got.Verdict.Accepted() {
		t.Errorf("GetSubmission() = %+v", got)
	}

	counts, err := repo.AcceptanceCounts(ctx)
	if err != nil {
		t.Fatalf("AcceptanceCounts() error = %v", err)
	}
	if c := counts["two-sum"]; c.Graded != 1 || c.Accepted != 1 {
		t.Errorf("counts = %+v", c)
	}

	if _, err := repo.GetSubmission(ctx, uuid.New()); !errors.Is(err, domain.ErrSubmissionNotFound) {
		t.Errorf("GetSubmission(missing) error = %v", err)
	}
}

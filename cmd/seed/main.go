// seed enqueues a batch of demo jobs into the local dev database: echo
// jobs that complete, sleep jobs that exercise the pool, fail jobs that
// produce error rows, and a couple of scheduled and expiring ones.
// Run: go run ./cmd/seed
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/quernworks/quern/internal/domain"
	"github.com/quernworks/quern/internal/hooks"
	"github.com/quernworks/quern/internal/infrastructure/postgres"
	"github.com/quernworks/quern/internal/usecase"
)

type jobSpec struct {
	queue    string
	priority int16
	payload  string
	options  *domain.JobOptions
	delay    time.Duration
}

func floatPtr(f float64) *float64 { return &f }

var specs = []jobSpec{
	// Happy path.
	{"default", 100, `{"job_class":"echo","arguments":{"message":"hello from seed"}}`, nil, 0},
	{"default", 200, `{"job_class":"echo","arguments":{"message":"second in line"}}`, nil, 0},
	{"default", 300, `{"job_class":"sleep","arguments":{"seconds":0.2}}`, nil, 0},
	{"mailers", 100, `{"job_class":"echo","arguments":{"message":"queue routing works"}}`, nil, 0},

	// Failure path: each run appends an error row.
	{"default", 400, `{"job_class":"fail"}`, nil, 0},
	{"default", 500, `{"job_class":"unregistered"}`, nil, 0},

	// Timeout: sleeps past its execution_timeout, lands in discarded.
	{"default", 600, `{"job_class":"sleep","arguments":{"seconds":5}}`,
		&domain.JobOptions{ExecutionTimeout: floatPtr(0.5)}, 0},

	// Scheduled: picked up roughly ten seconds from now.
	{"default", 100, `{"job_class":"echo","arguments":{"message":"the future arrived"}}`, nil, 10 * time.Second},

	// Expiring: the start deadline passes before the scheduled time, so it
	// is discarded at pickup.
	{"default", 100, `{"job_class":"echo","arguments":{"message":"never runs"}}`,
		&domain.JobOptions{StartExecutionBefore: floatPtr(float64(time.Now().Add(5 * time.Second).Unix()))},
		15 * time.Second},
}

func main() {
	_ = godotenv.Load()

	ctx := context.Background()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	pool, err := postgres.NewPool(ctx, dbURL, 4)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	enqueue := usecase.NewEnqueueUsecase(postgres.NewJobRepository(pool), hooks.New(slog.Default()), 0)

	var ids []string
	for _, spec := range specs {
		input := usecase.PushInput{
			Queue:    spec.queue,
			Priority: &spec.priority,
			Payload:  json.RawMessage(spec.payload),
			Options:  spec.options,
		}
		if spec.delay > 0 {
			at := time.Now().Add(spec.delay)
			input.ScheduledAt = &at
		}
		job, err := enqueue.Push(ctx, input)
		if err != nil {
			log.Fatalf("enqueue %s: %v", spec.payload, err)
		}
		ids = append(ids, job.ID)
	}

	fmt.Println("Seed complete")
	fmt.Println()
	fmt.Printf("  Jobs enqueued: %d\n", len(ids))
	fmt.Println()
	fmt.Println("  Sample job IDs:")
	limit := 5
	if len(ids) < limit {
		limit = len(ids)
	}
	for _, id := range ids[:limit] {
		fmt.Printf("    %s\n", id)
	}
	fmt.Println()
	fmt.Println("How to test:")
	fmt.Println()
	fmt.Println("  Step 1 — start a worker:  go run ./cmd/worker")
	fmt.Println("  Step 2 — watch it drain:  the echo/sleep jobs complete, the fail")
	fmt.Println("           jobs end in failed with error rows, the timeout job is")
	fmt.Println("           discarded, and the scheduled job runs ~10s in.")
	fmt.Println()
	fmt.Println("  Inspect over the API (go run ./cmd/server, needs JWT_SECRET):")
	fmt.Println()
	fmt.Println("    curl -s http://localhost:8080/jobs -H \"Authorization: Bearer $JWT\"")
	fmt.Println("    curl -s http://localhost:8080/jobs/JOB_ID/errors -H \"Authorization: Bearer $JWT\"")
}

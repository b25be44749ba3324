package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/itinerary-coord/internal/breaker"
	"github.com/ChuLiYu/itinerary-coord/internal/changeengine"
	"github.com/ChuLiYu/itinerary-coord/internal/controller"
	"github.com/ChuLiYu/itinerary-coord/internal/docstore"
	"github.com/ChuLiYu/itinerary-coord/internal/handlers"
	"github.com/ChuLiYu/itinerary-coord/internal/retry"
	"github.com/ChuLiYu/itinerary-coord/internal/taskstore"
	"github.com/ChuLiYu/itinerary-coord/internal/worker"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

const demoDoc types.DocumentID = "demo-trip"

// Config is the subset of configs/default.yaml the demo reads.
type Config struct {
	Worker struct {
		Workers int `yaml:"workers"`
	} `yaml:"worker"`
	Storage struct {
		Dir string `yaml:"dir"`
	} `yaml:"storage"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]

	cfg, err := loadConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	dir := filepath.Join(cfg.Storage.Dir, "demo")
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("Failed to create %s: %v", dir, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tasks, err := taskstore.OpenDurable(taskstore.DurableOptions{Dir: dir})
	if err != nil {
		log.Fatalf("Failed to open task store: %v", err)
	}
	defer tasks.Close()

	docs, err := docstore.OpenBolt(ctx, filepath.Join(dir, "documents.db"))
	if err != nil {
		log.Fatalf("Failed to open document store: %v", err)
	}
	defer docs.Close()

	ctrl, err := controller.NewController(tasks, controller.Config{
		SweepInterval:    200 * time.Millisecond,
		SnapshotInterval: 2 * time.Second,
		Policy:           retry.NewPolicy(retry.Config{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond}, nil),
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	if err := ctrl.Start(ctx); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}
	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	engine := changeengine.New(docs, changeengine.Config{})
	router, err := handlers.Register(worker.NewBuilder(), handlers.Deps{Engine: engine}).Build()
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}
	pool := worker.NewPool(ctrl, router, worker.Config{
		Workers:  cfg.Worker.Workers,
		Breakers: breaker.NewRegistry(breaker.DefaultConfig(), nil),
	})
	if err := pool.Start(ctx); err != nil {
		log.Fatalf("Failed to start workers: %v", err)
	}

	st, _ := ctrl.Status(ctx)
	switch {
	case mode == "start" && total(st.Tasks) > 0:
		fmt.Printf("\n⚠️  Found existing tasks from previous run (recovered from crash!)\n")
		printStats("Current Status (after recovery)", st.Tasks)
		fmt.Printf("\n💡 Remove %s to restart fresh\n", dir)
	case mode == "start":
		n, err := seed(ctx, ctrl, engine)
		if err != nil {
			log.Fatalf("Failed to seed demo: %v", err)
		}
		fmt.Printf("✓ Submitted %d change sets, all based on version 0\n", n)
		fmt.Printf("\n⚡ Workers are applying them concurrently...\n")
		fmt.Printf("💡 Press Ctrl+C NOW (within ~2 seconds) to catch tasks in-flight!\n\n")

		for i := 0; i < 20 && ctx.Err() == nil; i++ {
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
				st, _ = ctrl.Status(ctx)
				fmt.Printf("📊 Status: Pending=%d, Running=%d, Completed=%d, Failed=%d\n",
					st.Tasks.Pending, st.Tasks.Running, st.Tasks.Completed, st.Tasks.Failed)
			}
		}
	case mode == "recover":
		printStats("Immediate Status After Recovery", st.Tasks)
		fmt.Printf("  Recovery took %s\n", st.RecoveryTime)

		fmt.Printf("\n⏳ Waiting 2 seconds for tasks to process...\n")
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
		st, _ = ctrl.Status(ctx)
		printStats("Final Status (after processing)", st.Tasks)
	default:
		log.Printf("Unknown mode %q", mode)
	}

	if ctx.Err() == nil {
		printDocument(ctx, docs)
		fmt.Println("\nPress Ctrl+C to stop")
		<-ctx.Done()
	}

	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	pool.Stop()
	if err := ctrl.Stop(); err != nil {
		log.Printf("Stop: %v", err)
	}
	fmt.Println("✓ Controller stopped")
}

// seed 建立示範行程，並提交一批基於同一版本的變更
func seed(ctx context.Context, ctrl *controller.Controller, engine *changeengine.Engine) (int, error) {
	var elements []types.Element
	for day := 1; day <= 3; day++ {
		for slot := 0; slot < 5; slot++ {
			elements = append(elements, types.Element{
				ID:        fmt.Sprintf("d%d-s%d", day, slot),
				Container: fmt.Sprintf("day-%d", day),
				Position:  slot,
				Locked:    slot == 0, // 每天第一個行程是已訂好的航班
			})
		}
	}
	if _, err := engine.Create(ctx, demoDoc, elements); err != nil && !errors.Is(err, docstore.ErrDocumentExists) {
		return 0, err
	}

	const n = 200
	for i := 0; i < n; i++ {
		target := elements[rand.IntN(len(elements))]
		op := types.ChangeOperation{Kind: types.OpUpdate, TargetID: target.ID,
			Payload: types.UpdatePayload{Data: json.RawMessage(fmt.Sprintf(`{"edit":%d}`, i))}}
		if i%3 == 0 {
			op = types.ChangeOperation{Kind: types.OpMove, TargetID: target.ID,
				Payload: types.MovePayload{Container: fmt.Sprintf("day-%d", 1+rand.IntN(3)), Position: rand.IntN(5)}}
		}
		payload, err := json.Marshal(types.ChangeSet{DocumentID: demoDoc, BaseVersion: 0, Operations: []types.ChangeOperation{op}})
		if err != nil {
			return i, err
		}
		_, _, err = ctrl.Submit(ctx, taskstore.SubmitRequest{
			Kind:           handlers.KindChangeSetApply,
			Payload:        payload,
			IdempotencyKey: fmt.Sprintf("demo-%d-%d", time.Now().Unix(), i),
		})
		if err != nil {
			return i, err
		}
	}
	return n, nil
}

func total(s taskstore.Stats) int {
	return s.Pending + s.Running + s.Completed + s.Failed + s.Dead
}

func printStats(title string, s taskstore.Stats) {
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Pending:   %d\n", s.Pending)
	fmt.Printf("  Running:   %d\n", s.Running)
	fmt.Printf("  Completed: %d\n", s.Completed)
	fmt.Printf("  Failed:    %d (unresolvable conflicts)\n", s.Failed)
	fmt.Printf("  Dead:      %d\n", s.Dead)
	fmt.Printf("  ─────────────────\n")
	fmt.Printf("  Total:     %d\n", total(s))
}

func printDocument(ctx context.Context, docs docstore.Store) {
	doc, err := docs.Load(ctx, demoDoc)
	if err != nil {
		return
	}
	esc, _ := docs.Escalations(ctx, demoDoc)
	fmt.Printf("\n📄 %s is at version %d with %d elements, %d escalations recorded\n",
		doc.ID, doc.Version, len(doc.Elements), len(esc))
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "./data"
	}
	return &cfg, nil
}

// Package worker provides the roster implementations the engine drives:
// subprocess workers speaking the JSON stdin/stdout contract, and a
// deterministic built-in roster.
package worker

import (
	"fmt"
	"log"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/pkg/blackboard"
)

// FromConfig builds the full roster described by cfg. Workers missing from
// cfg fall back to their built-in implementation.
func FromConfig(cfg *config.WarrenConfig) (map[blackboard.WorkerID]orchestrator.Worker, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	roster := make(map[blackboard.WorkerID]orchestrator.Worker, 4)
	for _, id := range blackboard.Workers() {
		wc, ok := cfg.Workers[string(id)]
		if !ok || wc.Builtin || len(wc.Command) == 0 {
			w, err := Builtin(id)
			if err != nil {
				return nil, err
			}
			roster[id] = w
			continue
		}

		roster[id] = &Command{
			ID:      id,
			Argv:    append([]string(nil), wc.Command...),
			Timeout: wc.Timeout,
			Env:     append([]string(nil), wc.Environment...),
			Dir:     wc.Dir,
		}
		log.Printf("[Worker] %s runs %v", id, wc.Command)
	}
	return roster, nil
}

// BuiltinRoster returns the four built-in workers.
func BuiltinRoster() map[blackboard.WorkerID]orchestrator.Worker {
	roster := make(map[blackboard.WorkerID]orchestrator.Worker, 4)
	for _, id := range blackboard.Workers() {
		w, err := Builtin(id)
		if err != nil {
			panic(fmt.Sprintf("worker: %v", err))
		}
		roster[id] = w
	}
	return roster
}

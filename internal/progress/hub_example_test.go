package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type stageCounter map[Stage]int

func (c stageCounter) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		c[evt.Stage]++
	}
	return nil
}

func (stageCounter) Close(context.Context) error { return nil }

// ExampleHub shows a custom sink tallying stages across one run.
func ExampleHub() {
	counts := stageCounter{}
	hub := NewHub(Config{MaxBatchWait: time.Second}, counts)

	run := UUIDToBytes(uuid.MustParse("00000000-0000-0000-0000-000000000001"))
	at := time.Unix(0, 0)
	hub.Emit(Event{RunID: run, TS: at, Stage: StageRunStart})
	for _, path := range []string{"/", "/about", "/missing"} {
		hub.Emit(Event{RunID: run, TS: at, Stage: StageRequestStarted, Site: "example.com", URL: "https://example.com" + path})
	}
	hub.Emit(Event{RunID: run, TS: at, Stage: StageRequestFailed, Site: "example.com", Note: "404"})
	hub.Emit(Event{RunID: run, TS: at, Stage: StageRunDone})

	// Close flushes the pending batch before returning.
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}
	fmt.Println("started:", counts[StageRequestStarted])
	fmt.Println("failed:", counts[StageRequestFailed])
	// Output:
	// started: 3
	// failed: 1
}

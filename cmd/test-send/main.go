// Command test-send is a manual test for the UART connection.
// It connects to the first peripheral advertising the service, sends one
// command and prints whatever comes back until the timeout.
//
// Usage:
//
//	go run ./cmd/test-send [--cmd Status] [--name probe] [--fake]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/chaz8081/nus-bridge/internal/ble"
	"github.com/chaz8081/nus-bridge/internal/ble/bletest"
	"github.com/chaz8081/nus-bridge/internal/ble/protocol"
	"github.com/chaz8081/nus-bridge/internal/nus"
	"github.com/chaz8081/nus-bridge/internal/queue"
)

func main() {
	cmd := flag.String("cmd", protocol.CommandStatus, "text to send")
	name := flag.String("name", "", "only connect to devices whose name contains this")
	wait := flag.Duration("wait", 5*time.Second, "how long to wait for replies")
	fake := flag.Bool("fake", false, "use an in-memory peripheral")
	flag.Parse()

	var adapter ble.Adapter
	if *fake {
		adapter = bletest.NewLoopback(bletest.Firmware)
	} else {
		a := ble.NewTinyGoAdapter()
		a.NameFilter = *name
		adapter = a
	}

	logs, inbound := queue.New(), queue.New()
	conn := nus.New(adapter, nus.Options{
		Profile:     ble.DefaultProfile(),
		Logs:        logs,
		Inbound:     inbound,
		ScanTimeout: 30 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	err := conn.Establish(ctx)
	drain(logs, "log")
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Sending %q...\n", *cmd)
	conn.Write(*cmd)

	deadline := time.After(*wait)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
loop:
	for {
		select {
		case <-tick.C:
			drain(inbound, "recv")
		case <-deadline:
			break loop
		}
	}

	conn.Close()
	drain(logs, "log")
	fmt.Println("\nDone!")
}

// drain prints every queued item without leaving a reader parked.
func drain(q *queue.Queue, label string) {
	for {
		item, ok := q.TryPop()
		if !ok {
			return
		}
		fmt.Printf("[%s] %s\n", label, item)
	}
}

// cmd/gatescan/main.go
//
// gatescan is the gate device agent. It pulls the event's ticket snapshot
// into a local journal, decides scans locally (so the gate keeps moving when
// the venue network drops), and syncs journaled scans back to the server.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"boxoffice/internal/checkin"
	"boxoffice/internal/config"
	"boxoffice/internal/gate"
	"boxoffice/internal/logger"
)

func main() {
	config.LoadEnv()

	deviceID := os.Getenv("GATE_DEVICE_ID")
	if deviceID == "" {
		deviceID = "gate-" + uuid.NewString()[:8]
	}
	deviceKey := os.Getenv("GATE_DEVICE_KEY")
	eventID := os.Getenv("GATE_EVENT_ID")
	serverURL := os.Getenv("GATE_SERVER_URL")
	if serverURL == "" {
		serverURL = "http://127.0.0.1:5051"
	}
	if deviceKey == "" || eventID == "" {
		log.Fatal("GATE_DEVICE_KEY and GATE_EVENT_ID are required")
	}

	journalPath := os.Getenv("GATE_JOURNAL_PATH")
	if journalPath == "" {
		journalPath = fmt.Sprintf("gatescan-%s.db", eventID)
	}

	if err := logger.SetupLogger(config.LoggerConfig()); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	journal, err := gate.OpenJournal(journalPath, deviceID)
	if err != nil {
		logger.LogFatal("Failed to open journal: %v", err)
	}
	defer journal.Close()

	syncInterval := 30 * time.Second
	if raw := os.Getenv("GATE_SYNC_INTERVAL_SECONDS"); raw != "" {
		if d, err := time.ParseDuration(raw + "s"); err == nil && d > 0 {
			syncInterval = d
		}
	}

	syncer := gate.NewSyncer(journal, serverURL, deviceKey, eventID, syncInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		logger.LogInfo("Shutdown signal received")
		cancel()
	}()

	// Snapshot pull is best effort; an existing journal keeps working offline.
	if err := syncer.PullSnapshot(ctx); err != nil {
		logger.LogWarn("Snapshot pull failed, continuing with existing journal: %v", err)
	}

	go syncer.Run(ctx)

	logger.LogInfo("gatescan ready: device=%s event=%s server=%s", deviceID, eventID, serverURL)
	fmt.Println("Scan a ticket token, or type 'sync', 'pending', 'refresh', 'quit'.")

	runPrompt(ctx, journal, syncer)
}

func runPrompt(ctx context.Context, journal *gate.Journal, syncer *gate.Syncer) {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "quit" || line == "exit":
			return
		case line == "sync":
			syncer.TriggerNow()
			fmt.Println("sync requested")
		case line == "pending":
			count, err := journal.PendingCount()
			if err != nil {
				fmt.Printf("error: %v\n", err)
				continue
			}
			fmt.Printf("%d records awaiting upload\n", count)
		case line == "refresh":
			if err := syncer.PullSnapshot(ctx); err != nil {
				fmt.Printf("snapshot refresh failed: %v\n", err)
				continue
			}
			fmt.Println("snapshot refreshed")
		default:
			printOutcome(journal, line)
		}
	}
}

func printOutcome(journal *gate.Journal, scanToken string) {
	outcome, err := journal.Scan(scanToken, time.Now().UTC())
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}

	switch outcome.Result {
	case checkin.ResultScanned:
		fmt.Printf("ADMIT   %s (%s)\n", outcome.TicketNumber, outcome.OwnerName)
	case checkin.ResultAlreadyScanned:
		when := ""
		if outcome.ScannedAt != nil {
			when = outcome.ScannedAt.Local().Format("15:04:05")
		}
		fmt.Printf("DENY    %s already scanned at %s by %s\n", outcome.TicketNumber, when, outcome.ScannedBy)
	default:
		fmt.Printf("DENY    %s (%s)\n", outcome.TicketNumber, outcome.Reason)
	}
}

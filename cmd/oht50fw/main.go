// Command oht50fw is the vehicle master-module firmware core for an
// OHT-50 overhead hoist transport: the Real-Time Scheduler, Module
// Coordinator, Control Loop, and Safety Monitor wired into one
// single-threaded pipeline, driven by a fixed-period tick.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "oht50fw: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	log.SetFlags(log.Flags() &^ (log.Ldate | log.Ltime))

	tickHz := flag.Int("tick-hz", 1000, "core tick frequency in Hz (spec minimum 1kHz)")
	device := flag.String("serial", "/dev/ttyAMA0", "RS-485 serial device for the module bus")
	flag.Parse()

	if *tickHz < 1000 {
		return fmt.Errorf("tick-hz must be >= 1000 per the real-time scheduling model")
	}

	log.Printf("oht50fw: initializing platform (serial=%s)", *device)
	plat, err := initPlatform(*device)
	if err != nil {
		return fmt.Errorf("init platform: %w", err)
	}
	defer plat.Close()

	c, err := buildCore(plat)
	if err != nil {
		return fmt.Errorf("build core: %w", err)
	}

	period := time.Second / time.Duration(*tickHz)
	log.Printf("oht50fw: running core at %s period", period)
	t := time.NewTicker(period)
	defer t.Stop()
	for range t.C {
		c.Tick()
	}
	return nil
}

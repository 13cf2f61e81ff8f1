package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/chiral-network/downloader/pkg/eventbus"
)

// stableHash hashes an arbitrary identifier into the opaque file_id the
// data model calls for when the source isn't already content-addressed.
func stableHash(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:])
}

// printEvents subscribes to bus and prints a one-line summary per event to
// w until the returned stop function is called. It never blocks the
// engine: the subscription's buffered channel absorbs bursts, and the
// bus itself drops the oldest event for a full subscriber rather than
// stalling publishers.
func printEvents(bus *eventbus.Bus, w io.Writer) func() {
	sub := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Events {
			fmt.Fprintf(w, "[%s] %s %v\n", ev.Kind, ev.TransferID, ev.Payload)
		}
	}()
	return func() {
		sub.Close()
		<-done
	}
}

// Package relaytest provides in-process doubles for the two external
// systems every test needs: a real relay speaking the full protocol over a
// local websocket, and a NIP-47 wallet service with scriptable failures.
package relaytest

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fiatjaf/eventstore/slicestore"
	"github.com/fiatjaf/khatru"
)

// NewRelay starts a relay on a local port and returns its ws:// url. The
// relay stores regular and replaceable events in memory and fans ephemeral
// events out to live subscribers, which is exactly the behavior the
// subscribe-before-publish protocol depends on.
func NewRelay(t *testing.T) string {
	t.Helper()

	db := &slicestore.SliceStore{}
	if err := db.Init(); err != nil {
		t.Fatalf("init event store: %v", err)
	}

	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, db.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, db.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, db.DeleteEvent)
	relay.ReplaceEvent = append(relay.ReplaceEvent, db.ReplaceEvent)

	srv := httptest.NewServer(relay)
	t.Cleanup(func() {
		srv.Close()
		db.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

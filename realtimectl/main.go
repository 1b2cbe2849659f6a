package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/textpulse/realtime"
)

const RealtimeCtlVersion = "0.0.1"

const DefaultNatsUrl = "nats://127.0.0.1:4222"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Realtime coordinator control.

The default urls are:
    nats_url: %s

Usage:
    realtimectl demo [--collections=<names>] [--security=<level>]
        [--rate_limit=<n>]
    realtimectl tail --collections=<names> [--nats_url=<nats_url>]
        [--security=<level>]
        [--update_count=<update_count>]
    realtimectl emit --collection=<name> [--nats_url=<nats_url>]
        [--kind=<kind>]
        [--id=<id>]
        [<row_json>]
    realtimectl token [--secret=<secret>] [--identity=<identity>]
        [--ttl=<ttl>]

Options:
    -h --help                      Show this screen.
    --version                      Show version.
    --nats_url=<nats_url>
    --collections=<names>          Comma-separated collection names.
    --collection=<name>            Collection to emit into.
    --security=<level>             low, medium, or high [default: medium].
    --rate_limit=<n>               Messages per minute per source [default: 60].
    --kind=<kind>                  insert, update, or delete [default: update].
    --id=<id>                      Row id to correlate optimistic updates.
    --update_count=<update_count>  Print this many updates then exit.
    --ttl=<ttl>                    Token lifetime [default: 1h].`,
		DefaultNatsUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RealtimeCtlVersion)
	if err != nil {
		panic(err)
	}

	if demo_, _ := opts.Bool("demo"); demo_ {
		demo(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if emit_, _ := opts.Bool("emit"); emit_ {
		emit(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	}
}

// demo runs the full pipeline against an in-process feed and a loopback
// platform socket: feed changes, an optimistic update with reconciliation,
// and an upstream send echoed back as an authoritative update.
func demo(opts docopt.Opts) {
	collections := parseCollections(opts, "campaigns,contacts")
	if len(collections) == 0 {
		Err.Printf("at least one collection is required")
		return
	}
	securityLevel, _ := opts.String("--security")
	rateLimit, _ := opts.Int("--rate_limit")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	feed := realtime.NewChannelChangeFeed()
	defer feed.Close()

	settings := realtime.DefaultCoordinatorSettings()
	settings.WatchedCollections = collections
	settings.SecurityLevel = realtime.ParseSecurityLevel(securityLevel)
	settings.RateLimitPerMinute = rateLimit
	settings.EnableSocket = true
	settings.PlatformUrl = "loopback"
	settings.ConnectionSettings = realtime.DefaultConnectionManagerSettings()
	settings.ConnectionSettings.DialFunc = loopbackDialFunc()

	coordinator := realtime.NewCoordinator(cancelCtx, feed, settings)
	defer coordinator.Stop()

	unsubUpdates := coordinator.OnUpdate(func(envelope *realtime.UpdateEnvelope) {
		payload, _ := json.Marshal(envelope.Payload)
		Out.Printf("update %s %s", envelope, payload)
	})
	defer unsubUpdates()
	unsubInvalidate := coordinator.OnInvalidate(func(keys []string) {
		Out.Printf("invalidate %s", strings.Join(keys, ","))
	})
	defer unsubInvalidate()

	if err := coordinator.Start("demo-session"); err != nil {
		Err.Printf("start error: %s", err)
		return
	}

	for i, collection := range collections {
		feed.Publish(collection, realtime.ChangeRecord{
			Kind: realtime.ChangeKindInsert,
			NewRow: map[string]any{
				"id":   fmt.Sprintf("row-%d", i+1),
				"name": collection,
			},
		})
	}

	optimistic := realtime.NewUpdateEnvelope(realtime.CategoryCampaign, realtime.ActionUpdate, realtime.OriginLocal)
	optimistic.Identity = "row-1"
	optimistic.Payload = map[string]any{"status": "sending"}
	if _, err := coordinator.AddOptimistic(optimistic); err != nil {
		Err.Printf("optimistic error: %s", err)
		return
	}
	Out.Printf("pending row-1: %t", coordinator.PendingOptimistic("row-1"))

	// the authoritative counterpart reconciles the prediction
	feed.Publish(collections[0], realtime.ChangeRecord{
		Kind: realtime.ChangeKindUpdate,
		NewRow: map[string]any{
			"id":     "row-1",
			"status": "sent",
		},
	})

	// wait for the socket handshake before sending upstream
	for i := 0; i < 50; i += 1 {
		if coordinator.ConnectionState() == realtime.ConnectionStateConnected {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err := coordinator.Send(
		realtime.CategoryContact,
		realtime.ActionInsert,
		"row-up",
		map[string]any{"email": "demo@example.com"},
	); err != nil {
		Err.Printf("send error: %s", err)
	}

	time.Sleep(2 * time.Second)

	Out.Printf("connection: %s", coordinator.ConnectionState())
	Out.Printf("pending row-1: %t", coordinator.PendingOptimistic("row-1"))
	Out.Printf("stored updates: %d", len(coordinator.Updates()))
	for _, connectionError := range coordinator.ConnectionErrors() {
		Out.Printf("connection error: %s", connectionError)
	}
}

// tail subscribes the coordinator to a NATS-backed feed and prints the
// delivered update stream.
func tail(opts docopt.Opts) {
	collections := parseCollections(opts, "")
	if len(collections) == 0 {
		Err.Printf("at least one collection is required")
		return
	}
	securityLevel, _ := opts.String("--security")

	var updateCount int
	if updateCount_, err := opts.Int("--update_count"); err == nil {
		updateCount = updateCount_
	} else {
		updateCount = -1
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	feed, err := realtime.NewNatsChangeFeedWithDefaults(natsUrl(opts))
	if err != nil {
		Err.Printf("feed error: %s", err)
		return
	}
	defer feed.Close()

	settings := realtime.DefaultCoordinatorSettings()
	settings.WatchedCollections = collections
	settings.SecurityLevel = realtime.ParseSecurityLevel(securityLevel)

	coordinator := realtime.NewCoordinator(cancelCtx, feed, settings)
	defer coordinator.Stop()

	printed := make(chan struct{}, 1024)
	unsub := coordinator.OnUpdate(func(envelope *realtime.UpdateEnvelope) {
		payload, _ := json.Marshal(envelope.Payload)
		Out.Printf("%s %s %s", envelope.OccurredAt.Format(time.RFC3339), envelope, payload)
		select {
		case printed <- struct{}{}:
		default:
		}
	})
	defer unsub()

	if err := coordinator.Start(""); err != nil {
		Err.Printf("start error: %s", err)
		return
	}

	for i := 0; updateCount < 0 || i < updateCount; i += 1 {
		select {
		case <-cancelCtx.Done():
			return
		case <-printed:
		}
	}
}

// emit publishes one change record into the NATS-backed feed.
func emit(opts docopt.Opts) {
	collection, _ := opts.String("--collection")
	kind, _ := opts.String("--kind")
	rowId, _ := opts.String("--id")
	rowJson, _ := opts.String("<row_json>")

	row := map[string]any{}
	if rowJson != "" {
		if err := json.Unmarshal([]byte(rowJson), &row); err != nil {
			Err.Printf("invalid row json: %s", err)
			return
		}
	}
	if rowId != "" {
		row["id"] = rowId
	}

	feed, err := realtime.NewNatsChangeFeedWithDefaults(natsUrl(opts))
	if err != nil {
		Err.Printf("feed error: %s", err)
		return
	}
	defer feed.Close()

	record := realtime.ChangeRecord{
		Collection: collection,
		Kind:       realtime.ChangeKind(kind),
		OccurredAt: time.Now(),
	}
	switch record.Kind {
	case realtime.ChangeKindDelete:
		record.OldRow = row
	default:
		record.NewRow = row
	}

	if err := feed.Publish(collection, record); err != nil {
		Err.Printf("publish error: %s", err)
		return
	}
	Out.Printf("emitted %s %s", kind, collection)
}

// token mints a signed message token the way the platform does.
func token(opts docopt.Opts) {
	identity, _ := opts.String("--identity")
	ttlStr, _ := opts.String("--ttl")

	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		Err.Printf("invalid ttl: %s", err)
		return
	}

	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	} else {
		fmt.Print("Enter secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		secret = string(secretBytes)
		fmt.Printf("\n")
	}

	signed, err := realtime.MintMessageToken([]byte(secret), identity, ttl)
	if err != nil {
		Err.Printf("token error: %s", err)
		return
	}
	Out.Printf("%s", signed)
}

func natsUrl(opts docopt.Opts) string {
	if natsUrlAny := opts["--nats_url"]; natsUrlAny != nil {
		return natsUrlAny.(string)
	}
	return DefaultNatsUrl
}

func parseCollections(opts docopt.Opts, defaultCollections string) []string {
	collectionsStr, _ := opts.String("--collections")
	if collectionsStr == "" {
		collectionsStr = defaultCollections
	}
	if collectionsStr == "" {
		return []string{}
	}
	collections := []string{}
	for _, name := range strings.Split(collectionsStr, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			collections = append(collections, name)
		}
	}
	return collections
}

// loopbackDialFunc fabricates a platform endpoint per dial: it accepts the
// session handshake, answers pings, and echoes upstream updates back as
// authoritative socket updates.
func loopbackDialFunc() realtime.SocketDialFunc {
	return func(ctx context.Context, platformUrl string) (realtime.SocketConn, error) {
		clientEnd, serverEnd := realtime.NewSocketPipe()
		go func() {
			defer serverEnd.Close()
			for {
				message, err := serverEnd.Receive()
				if err != nil {
					return
				}
				switch message.Type {
				case realtime.SocketMessageTypeAuth:
					serverEnd.Send(&realtime.SocketMessage{
						Type:         realtime.SocketMessageTypeAuthOk,
						ConnectionId: message.ConnectionId,
						Token:        "loopback-token",
					})
				case realtime.SocketMessageTypePing:
					serverEnd.Send(&realtime.SocketMessage{
						Type: realtime.SocketMessageTypePong,
					})
				case realtime.SocketMessageTypeUpdate:
					serverEnd.Send(&realtime.SocketMessage{
						Type:     realtime.SocketMessageTypeUpdate,
						Category: message.Category,
						Action:   message.Action,
						Identity: message.Identity,
						Payload:  message.Payload,
					})
				}
			}
		}()
		return clientEnd, nil
	}
}

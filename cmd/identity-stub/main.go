// identity-stub runs the in-memory identity service for local
// development: point the agent's -i flag at it.
package main

import (
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/identkit/idagent/internal/identstub"
	"github.com/identkit/idagent/internal/logging"
)

func main() {

	addr := flag.String("a", "127.0.0.1:8787", "address and port to listen on")
	secret := flag.String("s", "stub-secret", "HMAC secret for minted session tokens")
	instanceURL := flag.String("u", "", "instance URL reported for registered identities")
	flag.Parse()

	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	stub := identstub.New([]byte(*secret), *instanceURL, logger)

	log.Printf("identity stub listening on %s", *addr)
	if err := http.ListenAndServe(*addr, stub.Handler()); err != nil {
		log.Fatalf("%v", err)
	}
}

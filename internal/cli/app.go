// Package cli implements the interactive terminal client for the
// identity agent. It talks to the daemon over the relay channel and
// never holds key material itself; passwords are read without echo and
// wiped after the request is sent.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/identkit/idagent/internal/channel"
	"github.com/identkit/idagent/internal/cli/config"
	"github.com/identkit/idagent/internal/logging"
)

// printlnFn is a test seam for user-facing output.
var printlnFn = fmt.Println

type App struct {
	config *config.Config
	relay  *channel.Relay
	reader *bufio.Reader
	out    io.Writer
}

func NewApp(c *config.Config) (*App, error) {
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	logger := logging.NewSlogLogger(slogger)

	return &App{
		config: c,
		relay:  channel.NewRelay(c.AgentAddr, logger),
		reader: bufio.NewReader(os.Stdin),
		out:    os.Stdout,
	}, nil
}

func (a *App) Run(ctx context.Context) {
	defer a.relay.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.watchEvents(ctx)

	scanner := bufio.NewScanner(os.Stdin)
	a.runREPL(ctx, scanner)
}

// request performs one round-trip to the daemon. Error envelopes come
// back as Go errors; a non-nil out receives the decoded payload.
func (a *App) request(ctx context.Context, action string, payload, out any) error {
	ctx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	defer cancel()

	env, err := channel.NewRequest(action, "", payload)
	if err != nil {
		return err
	}

	resp, err := a.relay.Request(ctx, env)
	if err != nil {
		return err
	}
	if resp.Type == channel.TypeResponseError {
		return resp.Error.Err()
	}
	if out != nil && len(resp.Payload) > 0 {
		return json.Unmarshal(resp.Payload, out)
	}
	return nil
}

// vaultState asks the daemon for the prompt's status segment.
func (a *App) vaultState(ctx context.Context) string {
	var status struct {
		State string `json:"state"`
	}
	if err := a.request(ctx, "vault.status", struct{}{}, &status); err != nil {
		return "agent offline"
	}
	return strings.ToLower(strings.ReplaceAll(status.State, "_", " "))
}

// watchEvents prints consent prompts pushed by the daemon so the user
// can answer them with approve/deny.
func (a *App) watchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.relay.Events():
			if !ok {
				return
			}
			if ev.Action != "consent.prompt" {
				continue
			}
			var prompt struct {
				ConsentRequestID string   `json:"consentRequestId"`
				Action           string   `json:"action"`
				Origin           string   `json:"origin"`
				Permissions      []string `json:"permissions"`
				ProfileName      string   `json:"profileName"`
			}
			if err := json.Unmarshal(ev.Payload, &prompt); err != nil {
				continue
			}
			printlnFn(fmt.Sprintf("\n[consent] %s from %s wants: %s",
				prompt.Action, prompt.Origin, strings.Join(prompt.Permissions, ", ")))
			if prompt.ProfileName != "" {
				printlnFn(fmt.Sprintf("[consent] acting as: %s", prompt.ProfileName))
			}
			printlnFn(fmt.Sprintf("[consent] answer with: approve %s  |  deny %s",
				prompt.ConsentRequestID, prompt.ConsentRequestID))
		}
	}
}

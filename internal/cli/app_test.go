package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/identkit/idagent/internal/agent"
	"github.com/identkit/idagent/internal/channel"
	cliconfig "github.com/identkit/idagent/internal/cli/config"
	"github.com/identkit/idagent/internal/consent"
	"github.com/identkit/idagent/internal/hdkeys"
	"github.com/identkit/idagent/internal/identity"
	"github.com/identkit/idagent/internal/logging"
	"github.com/identkit/idagent/internal/recovery"
	"github.com/identkit/idagent/internal/storage"
	"github.com/identkit/idagent/internal/vault"
)

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fakeRemote struct{ token string }

func (f *fakeRemote) Register(ctx context.Context, did string, kp *hdkeys.KeyPair, profile identity.Profile, claimCode string) (*identity.Identity, string, error) {
	return &identity.Identity{DID: did, Name: profile.Name}, f.token, nil
}

func (f *fakeRemote) UpdateProfile(ctx context.Context, did string, kp *hdkeys.KeyPair, profile identity.Profile, token string) (*identity.Identity, string, error) {
	return &identity.Identity{DID: did, Name: profile.Name, PictureURL: profile.PictureURL}, f.token, nil
}

type fakeScanner struct{}

func (fakeScanner) Scan(ctx context.Context, seed []byte) (*recovery.Result, error) {
	return &recovery.Result{}, nil
}

// startDaemon wires a full agent over a loopback listener so the CLI
// tests run against the real channel.
func startDaemon(t *testing.T) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	session := storage.NewMemStore()
	tiers := storage.Tiers{Durable: storage.NewMemStore(), Session: session}
	manager := vault.NewManager(tiers, &fakeRemote{token: signed}, fakeScanner{}, testLogger())

	handler := agent.NewHandler(manager, testLogger())
	listen, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := channel.NewServer(listen.Addr().String(), handler, testLogger())
	profile := func(ctx context.Context) (string, string) { return "Account 1", "" }
	broker := consent.NewBroker(session, handler.Dispatch, server.Broadcast, profile, testLogger())
	handler.Bind(broker)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = server.Serve(ctx, listen) }()

	return listen.Addr().String()
}

// newTestApp builds an App with scripted terminal input and captured
// output.
func newTestApp(t *testing.T, addr, input, password string) (*App, *[]string) {
	t.Helper()

	cfg := &cliconfig.Config{AgentAddr: addr, RequestTimeout: 10 * time.Second}

	app := &App{
		config: cfg,
		relay:  channel.NewRelay(addr, testLogger()),
		reader: bufio.NewReader(strings.NewReader(input)),
		out:    io.Discard,
	}
	t.Cleanup(func() { _ = app.relay.Close() })

	var lines []string
	origPrintln := printlnFn
	printlnFn = func(a ...any) (int, error) {
		lines = append(lines, fmt.Sprintln(a...))
		return 0, nil
	}
	t.Cleanup(func() { printlnFn = origPrintln })

	origRead := readPassword
	readPassword = func(fd int) ([]byte, error) { return []byte(password), nil }
	t.Cleanup(func() { readPassword = origRead })

	return app, &lines
}

func output(lines *[]string) string {
	return strings.Join(*lines, "")
}

func TestCreateUnlockLockFlow(t *testing.T) {
	ctx := context.Background()
	addr := startDaemon(t)
	app, lines := newTestApp(t, addr, "", "password-one")

	require.Equal(t, "no vault", app.vaultState(ctx))

	require.NoError(t, app.Create(ctx))
	require.Contains(t, output(lines), "shown only once")
	require.Equal(t, "vault unlocked", app.vaultState(ctx))

	require.NoError(t, app.Lock(ctx))
	require.Equal(t, "vault locked", app.vaultState(ctx))

	require.NoError(t, app.Unlock(ctx))
	require.Equal(t, "vault unlocked", app.vaultState(ctx))
}

func TestUnlockWrongPasswordPrintsError(t *testing.T) {
	ctx := context.Background()
	addr := startDaemon(t)

	app, _ := newTestApp(t, addr, "", "password-one")
	require.NoError(t, app.Create(ctx))
	require.NoError(t, app.Lock(ctx))

	wrong, lines := newTestApp(t, addr, "", "password-two")
	require.Error(t, wrong.Unlock(ctx))
	require.Contains(t, output(lines), "Error:")
}

func TestListIdentitiesMarksActive(t *testing.T) {
	ctx := context.Background()
	addr := startDaemon(t)
	app, lines := newTestApp(t, addr, "", "password-one")

	require.NoError(t, app.Create(ctx))
	require.NoError(t, app.ListIdentities(ctx))

	out := output(lines)
	require.Contains(t, out, "* [0] Account 1")
	require.Contains(t, out, "did:key:z")
}

func TestReplDispatchAndExit(t *testing.T) {
	addr := startDaemon(t)
	app, lines := newTestApp(t, addr, "", "password-one")

	scanner := bufio.NewScanner(strings.NewReader("help\nbogus\nexit\n"))
	app.runREPL(context.Background(), scanner)

	out := output(lines)
	require.Contains(t, out, "Vault:")
	require.Contains(t, out, "Unknown command: bogus")
	require.Contains(t, out, "Bye!")
}

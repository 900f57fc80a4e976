package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// runREPL starts the read-eval-print loop. It reads a line, parses the
// first token as the command and dispatches. The loop exits on scanner
// EOF or when the user types "exit" or "quit".
//
// Command handlers print their own errors; the loop stays resilient
// and focused on I/O.
func (a *App) runREPL(ctx context.Context, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("idagent> %s > ", a.vaultState(ctx)))
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		switch cmd {
		case "help":
			printlnFn("Vault:      create, import, unlock, lock, wipe")
			printlnFn("Identities: (l)ist, newid, register, recover, active <did>, profile")
			printlnFn("Consent:    pending, approve <id>, deny <id>")
			printlnFn("Other:      help, exit")

		case "create":
			_ = a.Create(ctx)

		case "import":
			_ = a.Import(ctx)

		case "unlock":
			_ = a.Unlock(ctx)

		case "lock":
			_ = a.Lock(ctx)

		case "wipe":
			_ = a.WipeVault(ctx)

		case "l", "list":
			_ = a.ListIdentities(ctx)

		case "newid":
			_ = a.NewIdentity(ctx)

		case "register":
			_ = a.RegisterIdentity(ctx)

		case "recover":
			_ = a.Recover(ctx)

		case "active":
			_ = a.SetActive(ctx, args)

		case "profile":
			_ = a.UpdateProfile(ctx)

		case "pending":
			_ = a.PendingConsents(ctx)

		case "approve":
			_ = a.ResolveConsent(ctx, args, true)

		case "deny":
			_ = a.ResolveConsent(ctx, args, false)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}

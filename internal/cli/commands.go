package cli

import (
	"context"
	"fmt"

	"github.com/identkit/idagent/internal/common"
)

// identityView is the CLI's decoded view of an identity record.
type identityView struct {
	DID               string `json:"did"`
	DerivationIndex   uint32 `json:"derivationIndex"`
	ProfileName       string `json:"profileName"`
	ProfilePictureURL string `json:"profilePictureUrl"`
	InstanceStatus    string `json:"instanceStatus"`
	IsAdmin           bool   `json:"isAdmin"`
}

func (a *App) Create(ctx context.Context) error {
	pw, err := GetPassword(a.out, "Choose a vault password: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	var resp struct {
		Mnemonic string `json:"mnemonic"`
	}
	if err := a.request(ctx, "vault.create", map[string]string{"password": string(pw)}, &resp); err != nil {
		printlnFn("Error:", err)
		return err
	}

	printlnFn("Vault created. Write down the recovery phrase, it is shown only once:")
	printlnFn("")
	printlnFn("  " + resp.Mnemonic)
	printlnFn("")
	return nil
}

func (a *App) Import(ctx context.Context) error {
	mnemonic, err := GetSimpleText(a.reader, "Enter the recovery phrase", a.out)
	if err != nil {
		return err
	}
	pw, err := GetPassword(a.out, "Choose a vault password: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	payload := map[string]string{"mnemonic": mnemonic, "password": string(pw)}
	if err := a.request(ctx, "vault.import", payload, nil); err != nil {
		printlnFn("Error:", err)
		return err
	}
	printlnFn("Vault imported. Run 'recover' to discover existing identities.")
	return nil
}

func (a *App) Unlock(ctx context.Context) error {
	pw, err := GetPassword(a.out, "Enter vault password: ")
	if err != nil {
		return err
	}
	defer common.WipeByteArray(pw)

	if err := a.request(ctx, "vault.unlock", map[string]string{"password": string(pw)}, nil); err != nil {
		printlnFn("Error:", err)
		return err
	}
	printlnFn("Unlocked.")
	return nil
}

func (a *App) Lock(ctx context.Context) error {
	if err := a.request(ctx, "vault.lock", struct{}{}, nil); err != nil {
		printlnFn("Error:", err)
		return err
	}
	printlnFn("Locked.")
	return nil
}

func (a *App) WipeVault(ctx context.Context) error {
	confirm, err := GetSimpleText(a.reader, "This deletes the vault permanently. Type 'wipe' to confirm", a.out)
	if err != nil {
		return err
	}
	if confirm != "wipe" {
		printlnFn("Cancelled.")
		return nil
	}
	if err := a.request(ctx, "vault.wipe", struct{}{}, nil); err != nil {
		printlnFn("Error:", err)
		return err
	}
	printlnFn("Vault wiped.")
	return nil
}

func (a *App) ListIdentities(ctx context.Context) error {
	var resp struct {
		Identities []identityView `json:"identities"`
		ActiveDID  string         `json:"activeDid"`
	}
	if err := a.request(ctx, "identity.list", struct{}{}, &resp); err != nil {
		printlnFn("Error:", err)
		return err
	}

	if len(resp.Identities) == 0 {
		printlnFn("No identities. Use 'newid' or 'recover'.")
		return nil
	}
	for _, id := range resp.Identities {
		marker := " "
		if id.DID == resp.ActiveDID {
			marker = "*"
		}
		printlnFn(fmt.Sprintf("%s [%d] %s  %s", marker, id.DerivationIndex, id.ProfileName, id.DID))
	}
	return nil
}

func (a *App) NewIdentity(ctx context.Context) error {
	name, err := GetSimpleText(a.reader, "Profile name", a.out)
	if err != nil {
		return err
	}

	payload := map[string]any{"profile": map[string]string{"name": name}}
	var rec identityView
	if err := a.request(ctx, "identity.create", payload, &rec); err != nil {
		printlnFn("Error:", err)
		return err
	}
	printlnFn("Created and registered:", rec.DID)
	return nil
}

func (a *App) RegisterIdentity(ctx context.Context) error {
	name, err := GetSimpleText(a.reader, "Profile name", a.out)
	if err != nil {
		return err
	}
	claim, err := GetSimpleText(a.reader, "Claim code (empty for none)", a.out)
	if err != nil {
		return err
	}

	payload := map[string]any{"profile": map[string]string{"name": name}, "claimCode": claim}
	var rec identityView
	if err := a.request(ctx, "identity.register", payload, &rec); err != nil {
		printlnFn("Error:", err)
		return err
	}
	printlnFn("Registered:", rec.DID)
	return nil
}

func (a *App) Recover(ctx context.Context) error {
	printlnFn("Scanning for registered identities...")

	var resp struct {
		Added []identityView `json:"added"`
	}
	if err := a.request(ctx, "identity.recover", struct{}{}, &resp); err != nil {
		printlnFn("Error:", err)
		return err
	}
	if len(resp.Added) == 0 {
		printlnFn("Nothing new found.")
		return nil
	}
	for _, id := range resp.Added {
		printlnFn(fmt.Sprintf("recovered [%d] %s", id.DerivationIndex, id.DID))
	}
	return nil
}

func (a *App) SetActive(ctx context.Context, args []string) error {
	if len(args) != 1 {
		printlnFn("Usage: active <did>")
		return nil
	}
	if err := a.request(ctx, "identity.setActive", map[string]string{"did": args[0]}, nil); err != nil {
		printlnFn("Error:", err)
		return err
	}
	printlnFn("Active identity switched.")
	return nil
}

func (a *App) UpdateProfile(ctx context.Context) error {
	name, err := GetSimpleText(a.reader, "New profile name", a.out)
	if err != nil {
		return err
	}
	picture, err := GetSimpleText(a.reader, "Picture URL (empty for none)", a.out)
	if err != nil {
		return err
	}

	payload := map[string]string{"name": name, "pictureUrl": picture}
	if err := a.request(ctx, "profile.update", payload, nil); err != nil {
		printlnFn("Error:", err)
		return err
	}
	printlnFn("Profile updated.")
	return nil
}

func (a *App) PendingConsents(ctx context.Context) error {
	var pending []struct {
		ConsentRequestID string   `json:"consentRequestId"`
		Action           string   `json:"action"`
		Origin           string   `json:"origin"`
		Permissions      []string `json:"permissions"`
	}
	if err := a.request(ctx, "consent.list", struct{}{}, &pending); err != nil {
		printlnFn("Error:", err)
		return err
	}
	if len(pending) == 0 {
		printlnFn("No pending consent requests.")
		return nil
	}
	for _, p := range pending {
		printlnFn(fmt.Sprintf("%s  %s from %s", p.ConsentRequestID, p.Action, p.Origin))
	}
	return nil
}

func (a *App) ResolveConsent(ctx context.Context, args []string, approve bool) error {
	if len(args) != 1 {
		printlnFn("Usage: approve|deny <consent request id>")
		return nil
	}
	action := "consent.deny"
	if approve {
		action = "consent.approve"
	}
	if err := a.request(ctx, action, map[string]string{"consentRequestId": args[0]}, nil); err != nil {
		printlnFn("Error:", err)
		return err
	}
	printlnFn("Done.")
	return nil
}

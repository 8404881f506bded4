package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/twoyi/twoyid/internal/kvstore"
	"github.com/twoyi/twoyid/internal/profile"
)

// ProfileCmd groups local profile-store inspection and mutation,
// operating directly on disk so it works without a running daemon.
type ProfileCmd struct {
	Ls  ProfileLsCmd  `cmd:"" help:"list profiles"`
	New ProfileNewCmd `cmd:"" help:"create a new profile"`
	Rm  ProfileRmCmd  `cmd:"" help:"remove a profile"`
	Use ProfileUseCmd `cmd:"" help:"switch the active profile"`
}

func openProfileStore(ctx context.Context, appData string) (*kvstore.Store, *profile.Store, error) {
	kv, err := kvstore.Open(filepath.Join(appData, "twoyid.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open kvstore: %w", err)
	}
	store := profile.New(kv, appData)
	store.Load(ctx)
	return kv, store, nil
}

type ProfileLsCmd struct{}

func (c *ProfileLsCmd) Run(cctx *Context) error {
	ctx := context.Background()
	kv, store, err := openProfileStore(ctx, cctx.AppData)
	if err != nil {
		return err
	}
	defer kv.Close()

	active := store.Active()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACTIVE\tROOTFS\tCONTROL PORT\t")
	for _, p := range store.SortedByLastUsed() {
		mark := ""
		if active != nil && active.ID == p.ID {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t\n", p.ID, p.Name, mark, store.RootfsDir(p), p.ControlPort)
	}
	return w.Flush()
}

type ProfileNewCmd struct {
	Name string `arg:"" optional:"" help:"profile name; a random name is suggested if omitted"`
}

func (c *ProfileNewCmd) Run(cctx *Context) error {
	ctx := context.Background()
	kv, store, err := openProfileStore(ctx, cctx.AppData)
	if err != nil {
		return err
	}
	defer kv.Close()

	name := c.Name
	if name == "" {
		name = store.GenerateUniqueName(store.SuggestName())
	} else if !store.IsNameUnique(name, "") {
		name = store.GenerateUniqueName(name)
	}

	now := time.Now().UnixMilli()
	p := profile.Profile{
		ID:          uuid.NewString(),
		Name:        name,
		Mode:        profile.ModeServer,
		ControlPort: 5555,
		AdbPort:     "127.0.0.1:5037",
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	store.Add(ctx, p)
	fmt.Printf("created profile %s (%s)\n", p.Name, p.ID)
	return nil
}

type ProfileRmCmd struct {
	ID string `arg:"" help:"ID of the profile to remove"`
}

func (c *ProfileRmCmd) Run(cctx *Context) error {
	ctx := context.Background()
	kv, store, err := openProfileStore(ctx, cctx.AppData)
	if err != nil {
		return err
	}
	defer kv.Close()

	if !store.Delete(ctx, c.ID) {
		return fmt.Errorf("profile rm: cannot remove the only remaining profile")
	}
	fmt.Printf("removed profile %s\n", c.ID)
	return nil
}

type ProfileUseCmd struct {
	ID string `arg:"" help:"ID of the profile to make active"`
}

func (c *ProfileUseCmd) Run(cctx *Context) error {
	ctx := context.Background()
	kv, store, err := openProfileStore(ctx, cctx.AppData)
	if err != nil {
		return err
	}
	defer kv.Close()

	if store.ByID(c.ID) == nil {
		return fmt.Errorf("profile use: unknown profile %s", c.ID)
	}
	store.SetActive(ctx, c.ID)
	fmt.Printf("active profile is now %s\n", c.ID)
	return nil
}

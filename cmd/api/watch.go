package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"roadmap/api/internal/app"
	"roadmap/api/internal/dashboard"
	"roadmap/api/internal/store"
)

func newWatchCmd(rt *runtime) *cobra.Command {
	var projectID, userID string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open a dashboard and print its changes as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" || userID == "" {
				return errors.New("--project and --user are required")
			}
			return runWatch(rt, cmd.OutOrStdout(), projectID, userID)
		},
	}

	cmd.Flags().StringVar(&projectID, "project", "", "Project ID")
	cmd.Flags().StringVar(&userID, "user", "", "User ID to open the dashboard as")
	return cmd
}

func runWatch(rt *runtime, out io.Writer, projectID, userID string) error {
	ctx, stop := signalContext()
	defer stop()

	db, err := store.Open(ctx, rt.cfg.DatabaseURL, rt.logger)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	service, cleanup, err := buildService(ctx, rt.cfg, db, rt.logger)
	if err != nil {
		return err
	}
	defer cleanup()
	defer service.Shutdown()

	d, changes, stopWatch, err := service.Watch(ctx, projectID, userID)
	if err != nil {
		return err
	}
	defer stopWatch()

	return printChanges(ctx.Done(), json.NewEncoder(out), d, changes)
}

type watchLine struct {
	Kind   dashboard.ChangeKind `json:"kind"`
	NodeID string               `json:"node_id,omitempty"`
	Node   *store.Node          `json:"node,omitempty"`
	View   *dashboard.View      `json:"view,omitempty"`
}

func printChanges(done <-chan struct{}, enc *json.Encoder, d *app.Dashboard, changes <-chan dashboard.Change) error {
	view := d.State.Snapshot()
	if err := enc.Encode(watchLine{Kind: dashboard.ChangeLoaded, View: &view}); err != nil {
		return err
	}
	for {
		select {
		case <-done:
			return nil
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			line := watchLine{Kind: change.Kind, NodeID: change.NodeID}
			if node, found := d.State.Node(change.NodeID); found {
				line.Node = &node
			} else if change.Kind == dashboard.ChangeLoaded || change.Kind == dashboard.ChangeError {
				view := d.State.Snapshot()
				line.View = &view
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
		}
	}
}

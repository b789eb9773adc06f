package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture and inspect snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create WORKLOAD",
	Short: "Capture a snapshot of a workload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "snapshot create", true, args...)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		snap, err := a.TakeSnapshot(cmd.Context(), args[0])
		if snap != nil {
			fmt.Printf("Snapshot %s  %s  %s  %s\n", snap.ID, snap.Type, snap.Status, bytesOf(snap.UploadedSize))
			if snap.WarningMsg != "" {
				fmt.Printf("warning: %s\n", snap.WarningMsg)
			}
		}
		return err
	},
}

var snapshotCancelCmd = &cobra.Command{
	Use:   "cancel SNAPSHOT",
	Short: "Cancel a running snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "snapshot cancel", false, args...)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		if err := a.CancelSnapshot(args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for %s\n", args[0])
		return nil
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete SNAPSHOT",
	Short: "Delete a snapshot and compact its data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "snapshot delete", false, args...)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		snap, err := a.DeleteSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !snap.DataDeleted {
			fmt.Printf("Snapshot %s deleted; data compaction pending: %s\n", snap.ID, snap.WarningMsg)
			return nil
		}
		fmt.Printf("Snapshot %s deleted\n", snap.ID)
		return nil
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list WORKLOAD",
	Short: "List the snapshots of a workload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "snapshot list", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		snaps, err := a.ListSnapshots(args[0])
		if err != nil {
			return err
		}
		if done, err := printYAML(cmd, snaps); done {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		for _, s := range snaps {
			fmt.Printf("%s  %s  %-11s  %-9s  %10s  %s\n",
				s.ID, when(s.CreatedAt), s.Type, s.Status, bytesOf(s.Size), message(s.ErrorMsg, s.WarningMsg, ""))
		}
		return nil
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show SNAPSHOT",
	Short: "Show a snapshot and its resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "snapshot show", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		report, err := a.SnapshotStatus(args[0])
		if err != nil {
			return err
		}
		if done, err := printYAML(cmd, report); done {
			return err
		}

		s := report.Snapshot
		fmt.Printf("Snapshot:  %s\n", s.ID)
		fmt.Printf("Workload:  %s\n", s.WorkloadID)
		fmt.Printf("Created:   %s\n", when(s.CreatedAt))
		fmt.Printf("Type:      %s\n", s.Type)
		fmt.Printf("Status:    %s\n", s.Status)
		fmt.Printf("Size:      %s (restore %s)\n", bytesOf(s.Size), bytesOf(s.RestoreSize))
		if msg := message(s.ErrorMsg, s.WarningMsg, s.ProgressMsg); msg != "" {
			fmt.Printf("Message:   %s\n", msg)
		}
		fmt.Println()
		for _, r := range report.Resources {
			fmt.Printf("  %-6s  %-20s  %-12s  %-11s  %-9s  %10s  %s\n",
				r.ResourceType, r.ResourceName, r.VMName, r.SnapshotType, r.Status, bytesOf(r.Size), r.ErrorMsg)
		}
		return nil
	},
}

var snapshotChainCmd = &cobra.Command{
	Use:   "chain SNAPSHOT",
	Short: "Show the artifact chain behind every disk of a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "snapshot chain", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		report, err := a.ShowChain(args[0])
		if err != nil {
			return err
		}
		if done, err := printYAML(cmd, report); done {
			return err
		}

		for _, d := range report.Disks {
			fmt.Printf("%s  %s  %s\n", d.VMID, d.Label, d.Status)
			if d.Error != "" {
				fmt.Printf("  error: %s\n", d.Error)
			}
			for i, e := range d.Artifacts {
				flags := ""
				if e.Full {
					flags += " full"
				}
				if e.Top {
					flags += " top"
				}
				fmt.Printf("  %d. %s  snapshot:%s  %10s  cid:%s  parent:%s%s\n",
					i+1, e.ID, e.SnapshotID, bytesOf(e.Size), e.CID, e.ParentCID, flags)
			}
		}
		return nil
	},
}

var snapshotMountCmd = &cobra.Command{
	Use:   "mount SNAPSHOT",
	Short: "Flatten the disks of a snapshot into local images",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "snapshot mount", true, args...)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		mounts, err := a.MountSnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if done, err := printYAML(cmd, mounts); done {
			return err
		}
		for _, m := range mounts {
			fmt.Printf("%-12s  %-20s  %s\n", m.VMName, m.ResourceName, m.ImagePath)
		}
		return nil
	},
}

var snapshotDismountCmd = &cobra.Command{
	Use:   "dismount SNAPSHOT",
	Short: "Remove the local images of a mounted snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "snapshot dismount", false, args...)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		if err := a.DismountSnapshot(args[0]); err != nil {
			return err
		}
		fmt.Printf("Snapshot %s dismounted\n", args[0])
		return nil
	},
}

var snapshotMountsCmd = &cobra.Command{
	Use:   "mounts",
	Short: "List mounted snapshots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "snapshot mounts", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		mounts, err := a.ListMounts()
		if err != nil {
			return err
		}
		if done, err := printYAML(cmd, mounts); done {
			return err
		}
		if len(mounts) == 0 {
			fmt.Println("No mounted snapshots.")
			return nil
		}
		for _, m := range mounts {
			fmt.Printf("%s  %s  %-12s  %-20s  %s\n", m.SnapshotID, when(m.CreatedAt), m.VMName, m.ResourceName, m.ImagePath)
		}
		return nil
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotCancelCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotChainCmd)
	snapshotCmd.AddCommand(snapshotMountCmd)
	snapshotCmd.AddCommand(snapshotDismountCmd)
	snapshotCmd.AddCommand(snapshotMountsCmd)
	addOutputFlag(snapshotListCmd)
	addOutputFlag(snapshotShowCmd)
	addOutputFlag(snapshotChainCmd)
	addOutputFlag(snapshotMountCmd)
	addOutputFlag(snapshotMountsCmd)
}

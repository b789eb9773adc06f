package main

import (
	"fmt"
	"strings"
	"time"

	"wlm-go/internal/model"

	"github.com/spf13/cobra"
)

// retention command
var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Apply retention policies",
}

var retentionApplyCmd = &cobra.Command{
	Use:   "apply [WORKLOAD]",
	Short: "Delete snapshots outside the retention policy of one or every workload",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		var ref string
		if len(args) > 0 {
			ref = args[0]
		}

		a, err := newApp(cmd, "retention apply", false, args...)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		reports, err := a.ApplyRetention(cmd.Context(), ref)
		for _, r := range reports {
			fmt.Printf("kept %d, deleted %d, compaction pending %d\n", len(r.Kept), len(r.Deleted), len(r.Failed))
			for _, id := range r.Deleted {
				fmt.Printf("  deleted %s\n", id)
			}
			for _, id := range r.Failed {
				fmt.Printf("  pending %s\n", id)
			}
		}
		return err
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore snapshots to new VMs",
}

var restoreCreateCmd = &cobra.Command{
	Use:   "create SNAPSHOT",
	Short: "Restore every VM of a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		opts := model.RestoreOptions{}
		opts.NamePrefix, _ = cmd.Flags().GetString("prefix")
		opts.Datastore, _ = cmd.Flags().GetString("datastore")
		opts.ResourcePool, _ = cmd.Flags().GetString("resource-pool")
		opts.Folder, _ = cmd.Flags().GetString("folder")
		opts.PowerOn, _ = cmd.Flags().GetBool("power-on")
		networks, _ := cmd.Flags().GetStringToString("network")
		if len(networks) > 0 {
			opts.NetworkMappings = networks
		}

		a, err := newApp(cmd, "restore create", true, args...)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		r, err := a.Restore(cmd.Context(), args[0], opts)
		if r != nil {
			fmt.Printf("Restore %s  %s  %s of %s\n", r.ID, r.Status, bytesOf(r.UploadedSize), bytesOf(r.Size))
			if r.WarningMsg != "" {
				fmt.Printf("warning: %s\n", r.WarningMsg)
			}
		}
		return err
	},
}

var restoreCancelCmd = &cobra.Command{
	Use:   "cancel RESTORE",
	Short: "Cancel a running restore",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "restore cancel", false, args...)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		if err := a.CancelRestore(args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for %s\n", args[0])
		return nil
	},
}

var restoreStatusCmd = &cobra.Command{
	Use:   "status RESTORE",
	Short: "Show a restore and the VMs it produced",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "restore status", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		report, err := a.RestoreStatus(args[0])
		if err != nil {
			return err
		}
		if done, err := printYAML(cmd, report); done {
			return err
		}

		r := report.Restore
		fmt.Printf("Restore:   %s\n", r.ID)
		fmt.Printf("Snapshot:  %s\n", r.SnapshotID)
		fmt.Printf("Status:    %s\n", r.Status)
		fmt.Printf("Progress:  %s of %s\n", bytesOf(r.UploadedSize), bytesOf(r.Size))
		if msg := message(r.ErrorMsg, r.WarningMsg, r.ProgressMsg); msg != "" {
			fmt.Printf("Message:   %s\n", msg)
		}
		for _, vm := range report.VMs {
			fmt.Printf("\n  %s  %s  %s  %s\n", vm.VM.VMName, vm.VM.VMID, vm.VM.Status, vm.VM.ErrorMsg)
			for _, d := range vm.Disks {
				fmt.Printf("    %-20s  %-9s  %10s  %s\n", d.ResourceName, d.Status, bytesOf(d.Size), d.ErrorMsg)
			}
		}
		return nil
	},
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, "history", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		ops, err := a.History(limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-18s  %s  %-8s  %-10s  %s\n",
				op.ID,
				op.Operation,
				when(op.StartedAt),
				op.Status,
				duration,
				strings.TrimSpace(op.Parameters),
			)
		}
		return nil
	},
}

func init() {
	retentionCmd.AddCommand(retentionApplyCmd)

	restoreCmd.AddCommand(restoreCreateCmd)
	restoreCreateCmd.Flags().String("prefix", "", "Prefix for restored VM names")
	restoreCreateCmd.Flags().String("datastore", "", "Target datastore (default from config)")
	restoreCreateCmd.Flags().String("resource-pool", "", "Target resource pool (default from config)")
	restoreCreateCmd.Flags().String("folder", "", "Target VM folder")
	restoreCreateCmd.Flags().Bool("power-on", false, "Power the VMs on once every disk is attached")
	restoreCreateCmd.Flags().StringToString("network", nil, "Network mapping SOURCE=TARGET (repeatable)")
	restoreCmd.AddCommand(restoreCancelCmd)
	restoreCmd.AddCommand(restoreStatusCmd)
	addOutputFlag(restoreStatusCmd)

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}

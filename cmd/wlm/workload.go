package main

import (
	"fmt"

	"wlm-go/internal/wlm"

	"github.com/spf13/cobra"
)

// workload command
var workloadCmd = &cobra.Command{
	Use:   "workload",
	Short: "Manage workloads",
}

var workloadCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a workload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		policy, _ := cmd.Flags().GetString("vm-policy")
		keepCount, _ := cmd.Flags().GetInt("keep")
		keepDays, _ := cmd.Flags().GetInt("keep-days")

		a, err := newApp(cmd, "workload create", false, args...)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		w, err := a.CreateWorkload(wlm.WorkloadSpec{
			Name:      args[0],
			VMPolicy:  policy,
			KeepCount: keepCount,
			KeepDays:  keepDays,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Workload %s created (%s)\n", w.Name, w.ID)
		return nil
	},
}

var workloadAddVMCmd = &cobra.Command{
	Use:   "add-vm WORKLOAD VM_ID [VM_NAME]",
	Short: "Add a VM to a workload",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		name := args[1]
		if len(args) == 3 {
			name = args[2]
		}

		a, err := newApp(cmd, "workload add-vm", false, args...)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		if err := a.AddWorkloadVM(args[0], args[1], name); err != nil {
			return err
		}
		fmt.Printf("VM %s added to %s\n", name, args[0])
		return nil
	},
}

var workloadListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workloads and their VMs",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp(cmd, "workload list", false)
		if err != nil {
			return err
		}
		defer closeApp(a, &err)

		ws, err := a.ListWorkloads()
		if err != nil {
			return err
		}
		if len(ws) == 0 {
			fmt.Println("No workloads.")
			return nil
		}

		for _, w := range ws {
			fmt.Printf("%s  %-20s  %-8s  keep:%d  keep-days:%d\n", w.ID, w.Name, w.VMPolicy, w.KeepCount, w.KeepDays)
			vms, err := a.WorkloadVMs(w.ID)
			if err != nil {
				return err
			}
			for _, vm := range vms {
				fmt.Printf("    %s  %s\n", vm.VMID, vm.VMName)
			}
		}
		return nil
	},
}

func init() {
	workloadCmd.AddCommand(workloadCreateCmd)
	workloadCreateCmd.Flags().String("vm-policy", "", "serial or parallel (default from config)")
	workloadCreateCmd.Flags().Int("keep", 0, "Number of snapshots to keep (default from config)")
	workloadCreateCmd.Flags().Int("keep-days", 0, "Keep snapshots younger than this many days")

	workloadCmd.AddCommand(workloadAddVMCmd)
	workloadCmd.AddCommand(workloadListCmd)
}

package wlm

import (
	"fmt"
	"strings"

	"wlm-go/internal/model"
)

// WorkloadSpec holds the parameters of a new workload.
type WorkloadSpec struct {
	Name      string
	VMPolicy  string
	KeepCount int
	KeepDays  int
}

// CreateWorkload validates the policy settings and records a new workload.
func (s *Service) CreateWorkload(spec WorkloadSpec) (*model.Workload, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("workload name is required")
	}
	policy := spec.VMPolicy
	if policy == "" {
		policy = model.PolicySerial
	}
	if policy != model.PolicySerial && policy != model.PolicyParallel {
		return nil, fmt.Errorf("unknown vm policy %q: must be %s or %s", policy, model.PolicySerial, model.PolicyParallel)
	}
	if spec.KeepCount < 0 || spec.KeepDays < 0 {
		return nil, fmt.Errorf("retention values must not be negative")
	}

	existing, err := s.registry.FindWorkloadByName(name)
	if err != nil {
		return nil, fmt.Errorf("checking for existing workload: %w", err)
	}
	if existing != nil {
		return nil, InvalidState("workload %q already exists", name)
	}

	w := &model.Workload{
		ID:        s.idgen.New(),
		Name:      name,
		VMPolicy:  policy,
		KeepCount: spec.KeepCount,
		KeepDays:  spec.KeepDays,
		CreatedAt: s.clock.Now(),
	}
	if err := s.registry.CreateWorkload(w); err != nil {
		return nil, fmt.Errorf("creating workload: %w", err)
	}

	s.logger.Info("workload created", "workload", w.ID, "name", w.Name, "policy", w.VMPolicy)
	return w, nil
}

// ResolveWorkload finds a workload by id or, failing that, by name.
func (s *Service) ResolveWorkload(ref string) (*model.Workload, error) {
	w, err := s.registry.FindWorkload(ref)
	if err != nil {
		return nil, fmt.Errorf("finding workload: %w", err)
	}
	if w != nil {
		return w, nil
	}
	w, err = s.registry.FindWorkloadByName(ref)
	if err != nil {
		return nil, fmt.Errorf("finding workload: %w", err)
	}
	if w == nil {
		return nil, NotFound("workload %s", ref)
	}
	return w, nil
}

// AddWorkloadVM adds a VM to a workload. Adding it again updates its name.
func (s *Service) AddWorkloadVM(workloadRef, vmID, vmName string) error {
	if vmID == "" {
		return fmt.Errorf("vm id is required")
	}
	w, err := s.ResolveWorkload(workloadRef)
	if err != nil {
		return err
	}
	if err := s.registry.AddWorkloadVM(&model.WorkloadVM{WorkloadID: w.ID, VMID: vmID, VMName: vmName}); err != nil {
		return fmt.Errorf("adding vm to workload: %w", err)
	}
	s.logger.Info("vm added to workload", "workload", w.ID, "vm", vmID, "name", vmName)
	return nil
}

// ListWorkloads returns all workloads.
func (s *Service) ListWorkloads() ([]*model.Workload, error) {
	ws, err := s.registry.ListWorkloads()
	if err != nil {
		return nil, fmt.Errorf("listing workloads: %w", err)
	}
	return ws, nil
}

// WorkloadVMs returns the VMs of a workload.
func (s *Service) WorkloadVMs(workloadRef string) ([]*model.WorkloadVM, error) {
	w, err := s.ResolveWorkload(workloadRef)
	if err != nil {
		return nil, err
	}
	vms, err := s.registry.FindWorkloadVMs(w.ID)
	if err != nil {
		return nil, fmt.Errorf("listing workload vms: %w", err)
	}
	return vms, nil
}

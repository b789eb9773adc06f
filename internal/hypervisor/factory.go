package hypervisor

import (
	"context"
	"fmt"

	"wlm-go/internal/config"
	"wlm-go/internal/hypervisor/vmware"
	"wlm-go/internal/wlm"
)

// NewHypervisorFromConfig connects to the backend named by the hypervisor type.
func NewHypervisorFromConfig(ctx context.Context, cfg config.HypervisorConfig, logger wlm.Logger) (wlm.Hypervisor, error) {
	switch cfg.Type {
	case "vmware", "":
		b, err := vmware.Dial(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown hypervisor type: %s", cfg.Type)
	}
}
